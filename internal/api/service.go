// Package api exposes the engine over HTTP and streams committed events to
// WebSocket clients.
//
// Amounts travel as integers in their fixed-point precision. Read-backs that
// are meant for people also carry shopspring/decimal renderings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/predperp/perp-engine/internal/engine"
	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/model"
)

// SignerHeader carries the public key that authorizes a mutating request.
const SignerHeader = "X-Signer"

// Service handles engine operations over HTTP.
type Service struct {
	eng *engine.Engine
	log zerolog.Logger
}

// NewService creates a new API service.
func NewService(eng *engine.Engine, log zerolog.Logger) *Service {
	return &Service{eng: eng, log: log}
}

// Routes mounts every handler on r. The caller adds the /api/v1 prefix.
func (s *Service) Routes(r chi.Router) {
	r.Get("/state", s.GetState)
	r.Post("/state/initialize", s.Initialize)
	r.Post("/state/paused", s.SetPaused)

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.AddMarket)
	r.Route("/markets/{marketIndex}", func(r chi.Router) {
		r.Get("/", s.GetMarket)
		r.Get("/quotes", s.GetQuotes)
		r.Get("/fills", s.MarketFills)
		r.Post("/oracle", s.UpdateOracle)
		r.Post("/status", s.SetMarketStatus)
		r.Post("/settle", s.SettleMarket)
	})

	r.Post("/users", s.InitializeUser)
	r.Route("/users/{authority}", func(r chi.Router) {
		r.Get("/", s.GetUser)
		r.Get("/summary", s.AccountSummary)
		r.Get("/fills", s.UserFills)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Post("/orders", s.PlaceOrder)
		r.Post("/orders/{orderID}/fill", s.FillOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)
		r.Post("/positions/{marketIndex}/close", s.ClosePosition)
		r.Post("/positions/{marketIndex}/funding", s.SettleFunding)
		r.Post("/positions/{marketIndex}/settle", s.SettlePosition)
		r.Post("/positions/{marketIndex}/liquidate", s.Liquidate)
	})
}

// --- Request types ---

// AmountRequest is the body of deposit and withdraw.
type AmountRequest struct {
	Amount int64 `json:"amount"`
}

// InitializeUserRequest is the body of POST /users. The signer becomes the
// authority.
type InitializeUserRequest struct {
	Name     string       `json:"name"`
	Delegate model.Pubkey `json:"delegate"`
}

// FillRequest is the body of a fill. Zero fills the whole remainder.
type FillRequest struct {
	MaxBaseAssetAmount int64 `json:"max_base_asset_amount"`
}

// OracleRequest is the body of an oracle update. With a zero TWAP the
// engine folds Price into its 5-minute oracle TWAP.
type OracleRequest struct {
	Price int64 `json:"price"`
	Twap  int64 `json:"twap"`
}

// PausedRequest toggles the exchange or a market.
type PausedRequest struct {
	Paused bool `json:"paused"`
}

// SettleMarketRequest fixes a market's resolution price.
type SettleMarketRequest struct {
	Price int64 `json:"price"`
}

// --- Exchange ---

// GetState handles GET /api/v1/state
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.GetState(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Initialize handles POST /api/v1/state/initialize. Zero fields take the
// configured protocol values.
func (s *Service) Initialize(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	var req engine.InitializeParams
	if !decode(w, r, &req) {
		return
	}
	st, err := s.eng.Initialize(r.Context(), signer, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// SetPaused handles POST /api/v1/state/paused
func (s *Service) SetPaused(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	var req PausedRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.eng.SetPaused(r.Context(), signer, req.Paused)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ms, err := s.eng.ListMarkets(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if ms == nil {
		ms = []model.Market{}
	}
	writeJSON(w, http.StatusOK, ms)
}

// AddMarket handles POST /api/v1/markets. Omitted market parameters take
// the configured defaults as a whole.
func (s *Service) AddMarket(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	var req engine.AddMarketParams
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.AddMarket(r.Context(), signer, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.Info().
		Uint16("market", m.MarketIndex).
		Str("external_id", m.ExternalID).
		Str("initial_price", model.PriceDecimal(req.InitialPrice).String()).
		Msg("market added")
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketIndex}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	index, ok := marketParam(w, r)
	if !ok {
		return
	}
	m, err := s.eng.GetMarket(r.Context(), index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// QuotesResponse is the curve's prices as probabilities.
type QuotesResponse struct {
	MarketIndex uint16          `json:"market_index"`
	Bid         decimal.Decimal `json:"bid"`
	Mid         decimal.Decimal `json:"mid"`
	Ask         decimal.Decimal `json:"ask"`
	Oracle      decimal.Decimal `json:"oracle"`
}

// GetQuotes handles GET /api/v1/markets/{marketIndex}/quotes
func (s *Service) GetQuotes(w http.ResponseWriter, r *http.Request) {
	index, ok := marketParam(w, r)
	if !ok {
		return
	}
	m, err := s.eng.GetMarket(r.Context(), index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	q, err := s.eng.Quotes(r.Context(), index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuotesResponse{
		MarketIndex: index,
		Bid:         model.PriceDecimal(q.Bid),
		Mid:         model.PriceDecimal(q.Mid),
		Ask:         model.PriceDecimal(q.Ask),
		Oracle:      model.PriceDecimal(m.OraclePrice),
	})
}

// MarketFills handles GET /api/v1/markets/{marketIndex}/fills
func (s *Service) MarketFills(w http.ResponseWriter, r *http.Request) {
	index, ok := marketParam(w, r)
	if !ok {
		return
	}
	fs, err := s.eng.MarketFills(r.Context(), index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeFills(w, fs)
}

// UpdateOracle handles POST /api/v1/markets/{marketIndex}/oracle
func (s *Service) UpdateOracle(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	index, ok := marketParam(w, r)
	if !ok {
		return
	}
	var req OracleRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.UpdateOracle(r.Context(), signer, index, req.Price, req.Twap)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SetMarketStatus handles POST /api/v1/markets/{marketIndex}/status
func (s *Service) SetMarketStatus(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	index, ok := marketParam(w, r)
	if !ok {
		return
	}
	var req PausedRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.SetMarketStatus(r.Context(), signer, index, req.Paused)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SettleMarket handles POST /api/v1/markets/{marketIndex}/settle
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	index, ok := marketParam(w, r)
	if !ok {
		return
	}
	var req SettleMarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.SettleMarket(r.Context(), signer, index, req.Price)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Users ---

// InitializeUser handles POST /api/v1/users
func (s *Service) InitializeUser(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	var req InitializeUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := s.eng.InitializeUser(r.Context(), signer, req.Name, req.Delegate)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{authority}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	authority, ok := authorityParam(w, r)
	if !ok {
		return
	}
	u, err := s.eng.GetUser(r.Context(), authority)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// SummaryResponse is an account summary with human-readable totals.
type SummaryResponse struct {
	*engine.AccountSummary
	Display SummaryDisplay `json:"display"`
}

// SummaryDisplay renders the summary's quote totals in whole units.
type SummaryDisplay struct {
	Collateral    decimal.Decimal `json:"collateral"`
	Available     decimal.Decimal `json:"available"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Notional      decimal.Decimal `json:"notional"`
}

// AccountSummary handles GET /api/v1/users/{authority}/summary
func (s *Service) AccountSummary(w http.ResponseWriter, r *http.Request) {
	authority, ok := authorityParam(w, r)
	if !ok {
		return
	}
	sum, err := s.eng.AccountSummary(r.Context(), authority)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryResponse{
		AccountSummary: sum,
		Display: SummaryDisplay{
			Collateral:    model.QuoteDecimal(sum.Collateral),
			Available:     model.QuoteDecimal(sum.Available),
			Equity:        model.QuoteDecimal(sum.Equity),
			UnrealizedPnl: model.QuoteDecimal(sum.UnrealizedPnl),
			Notional:      model.QuoteDecimal(sum.Notional),
		},
	})
}

// UserFills handles GET /api/v1/users/{authority}/fills
func (s *Service) UserFills(w http.ResponseWriter, r *http.Request) {
	authority, ok := authorityParam(w, r)
	if !ok {
		return
	}
	fs, err := s.eng.UserFills(r.Context(), authority)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeFills(w, fs)
}

// Deposit handles POST /api/v1/users/{authority}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, s.eng.Deposit)
}

// Withdraw handles POST /api/v1/users/{authority}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, s.eng.Withdraw)
}

type collateralOp func(ctx context.Context, signer, authority model.Pubkey, amount int64) (*model.User, error)

func (s *Service) moveCollateral(w http.ResponseWriter, r *http.Request, op collateralOp) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	authority, ok := authorityParam(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := op(r.Context(), signer, authority, req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// PlaceOrder handles POST /api/v1/users/{authority}/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	authority, ok := authorityParam(w, r)
	if !ok {
		return
	}
	var req engine.OrderParams
	if !decode(w, r, &req) {
		return
	}
	res, err := s.eng.PlaceOrder(r.Context(), signer, authority, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// FillOrder handles POST /api/v1/users/{authority}/orders/{orderID}/fill.
// The signer is the filler.
func (s *Service) FillOrder(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	authority, ok := authorityParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderParam(w, r)
	if !ok {
		return
	}
	var req FillRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := s.eng.FillOrder(r.Context(), signer, authority, orderID, req.MaxBaseAssetAmount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder handles DELETE /api/v1/users/{authority}/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	authority, ok := authorityParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderParam(w, r)
	if !ok {
		return
	}
	o, err := s.eng.CancelOrder(r.Context(), signer, authority, orderID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ClosePosition handles POST /api/v1/users/{authority}/positions/{marketIndex}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	signer, authority, index, ok := s.positionTarget(w, r)
	if !ok {
		return
	}
	res, err := s.eng.ClosePosition(r.Context(), signer, authority, index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SettleFunding handles POST /api/v1/users/{authority}/positions/{marketIndex}/funding
func (s *Service) SettleFunding(w http.ResponseWriter, r *http.Request) {
	signer, authority, index, ok := s.positionTarget(w, r)
	if !ok {
		return
	}
	res, err := s.eng.SettleFunding(r.Context(), signer, authority, index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SettlePosition handles POST /api/v1/users/{authority}/positions/{marketIndex}/settle
func (s *Service) SettlePosition(w http.ResponseWriter, r *http.Request) {
	signer, authority, index, ok := s.positionTarget(w, r)
	if !ok {
		return
	}
	res, err := s.eng.SettlePosition(r.Context(), signer, authority, index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Liquidate handles POST /api/v1/users/{authority}/positions/{marketIndex}/liquidate.
// The signer is the keeper.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	signer, authority, index, ok := s.positionTarget(w, r)
	if !ok {
		return
	}
	res, err := s.eng.Liquidate(r.Context(), signer, authority, index)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

func (s *Service) positionTarget(w http.ResponseWriter, r *http.Request) (signer, authority model.Pubkey, index uint16, ok bool) {
	if signer, ok = s.signer(w, r); !ok {
		return
	}
	if authority, ok = authorityParam(w, r); !ok {
		return
	}
	index, ok = marketParam(w, r)
	return
}

func (s *Service) signer(w http.ResponseWriter, r *http.Request) (model.Pubkey, bool) {
	raw := r.Header.Get(SignerHeader)
	if raw == "" {
		writeCodeError(w, http.StatusUnauthorized, errcode.InvalidAuthority, "missing "+SignerHeader+" header")
		return model.Pubkey{}, false
	}
	pk, err := model.ParsePubkey(raw)
	if err != nil {
		writeCodeError(w, http.StatusUnauthorized, errcode.InvalidIdentity, err.Error())
		return model.Pubkey{}, false
	}
	return pk, true
}

func authorityParam(w http.ResponseWriter, r *http.Request) (model.Pubkey, bool) {
	pk, err := model.ParsePubkey(chi.URLParam(r, "authority"))
	if err != nil {
		writeCodeError(w, http.StatusBadRequest, errcode.InvalidIdentity, err.Error())
		return model.Pubkey{}, false
	}
	return pk, true
}

func marketParam(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, "marketIndex"), 10, 16)
	if err != nil {
		writeCodeError(w, http.StatusBadRequest, errcode.InvalidMarketIndex, "market index must be 0-65535")
		return 0, false
	}
	return uint16(v), true
}

func orderParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, "orderID"), 10, 32)
	if err != nil || v == 0 {
		writeCodeError(w, http.StatusBadRequest, errcode.OrderNotFound, "order id must be a positive integer")
		return 0, false
	}
	return uint32(v), true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeFills(w http.ResponseWriter, fs []model.FillRecord) {
	if fs == nil {
		fs = []model.FillRecord{}
	}
	writeJSON(w, http.StatusOK, fs)
}

// writeEngineError maps a domain error to its HTTP status. Errors without a
// code are internal.
func (s *Service) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code, ok := errcode.CodeOf(err)
	if !ok {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("engine failure")
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := StatusOf(code)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("engine failure")
	}
	var detail string
	var e *errcode.Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	writeCodeError(w, status, code, detail)
}

// StatusOf is the HTTP status for a result code.
func StatusOf(c errcode.Code) int {
	switch c {
	case errcode.StateNotInitialized, errcode.MarketNotFound, errcode.UserNotInitialized,
		errcode.OrderNotFound, errcode.PositionNotFound:
		return http.StatusNotFound
	case errcode.InvalidOracle:
		return http.StatusForbidden
	case errcode.ConcurrentUpdate:
		return http.StatusConflict
	}
	switch c.Kind() {
	case errcode.KindAuthorization:
		return http.StatusForbidden
	case errcode.KindValidation, errcode.KindArithmetic:
		return http.StatusUnprocessableEntity
	case errcode.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   uint16 `json:"code,omitempty"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func writeCodeError(w http.ResponseWriter, status int, code errcode.Code, detail string) {
	writeJSON(w, status, ErrorResponse{
		Error:  code.Message(),
		Code:   uint16(code),
		Name:   code.Name(),
		Detail: detail,
	})
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
