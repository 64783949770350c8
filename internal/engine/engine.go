// Package engine is the ledger: it owns every public operation on the
// exchange, from account funding through order execution to market
// settlement.
//
// Each operation locks the records it touches, loads copies from the store,
// mutates the copies, and commits them as one store.Batch. An operation
// either commits entirely or returns exactly one *errcode.Error and leaves
// the store untouched. Committed operations are announced to an
// events.Sink.
package engine

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/events"
	"github.com/predperp/perp-engine/internal/margin"
	"github.com/predperp/perp-engine/internal/metrics"
	"github.com/predperp/perp-engine/internal/model"
	"github.com/predperp/perp-engine/internal/store"
)

// Clock is the trusted time source, in unix seconds.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(func() int64 { return time.Now().Unix() })

// InitializeParams are the protocol-wide values set by Initialize. Zero
// fields take the engine defaults.
type InitializeParams struct {
	MinCollateral          int64 `json:"min_collateral"`
	LiquidationMarginRatio int64 `json:"liquidation_margin_ratio"`
	MaxLeverage            int64 `json:"max_leverage"`
}

// MarketParams are the tunable parameters of a market.
type MarketParams struct {
	FundingPeriod          int64 `json:"funding_period"`
	TakerFee               int64 `json:"taker_fee"`
	MakerRebate            int64 `json:"maker_rebate"`
	MarginRatioInitial     int64 `json:"margin_ratio_initial"`
	MarginRatioMaintenance int64 `json:"margin_ratio_maintenance"`
	MinOrderSize           int64 `json:"min_order_size"`
	OrderTickSize          int64 `json:"order_tick_size"`
	BaseSpread             int64 `json:"base_spread"`
	MaxSpread              int64 `json:"max_spread"`
}

// Options tune the engine. The zero value is usable.
type Options struct {
	// OracleMaxAge rejects fills when the oracle is older than this many
	// seconds. Zero disables the guard.
	OracleMaxAge int64

	// Fillers may fill other users' orders. Empty lets anyone fill.
	Fillers []model.Pubkey

	// MaxMarkets caps the number of markets. Zero means 65535.
	MaxMarkets int

	// MaxPositionNotional caps one market's notional per user. Zero
	// disables the cap.
	MaxPositionNotional int64

	Protocol InitializeParams
	Market   MarketParams
}

// Config wires the engine's collaborators.
type Config struct {
	Store   store.Store
	Clock   Clock
	Sink    events.Sink
	Logger  zerolog.Logger
	Options Options
}

// Engine executes operations against a Store.
type Engine struct {
	store store.Store
	clock Clock
	sink  events.Sink
	log   zerolog.Logger
	opts  Options
	locks *lockTable

	seq      atomic.Uint64
	nextSlot atomic.Uint64
}

// New creates an engine. Missing collaborators get defaults: the system
// clock and a sink that discards events.
func New(cfg Config) *Engine {
	e := &Engine{
		store: cfg.Store,
		clock: cfg.Clock,
		sink:  cfg.Sink,
		log:   cfg.Logger,
		opts:  cfg.Options,
		locks: newLockTable(),
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.sink == nil {
		e.sink = events.Nop{}
	}
	if e.opts.MaxMarkets <= 0 || e.opts.MaxMarkets > 65535 {
		e.opts.MaxMarkets = 65535
	}
	e.opts.Protocol = withProtocolDefaults(e.opts.Protocol)
	if e.opts.Market == (MarketParams{}) {
		e.opts.Market = DefaultMarketParams()
	}
	e.nextSlot.Store(uint64(time.Now().UnixNano()))
	return e
}

// MarketDefaults returns the parameters a market gets when AddMarket is not
// given its own.
func (e *Engine) MarketDefaults() MarketParams { return e.opts.Market }

// SyncMetrics sets gauges that are derived from stored state.
func (e *Engine) SyncMetrics(ctx context.Context) error {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return err
	}
	active := 0
	for i := range markets {
		if markets[i].Status == model.MarketActive {
			active++
		}
	}
	metrics.ActiveMarkets.Set(float64(active))
	return nil
}

// run executes one operation, normalises its error and records it.
func (e *Engine) run(op string, fn func() error) error {
	start := time.Now()
	err := normalize(fn())

	result := "ok"
	if err != nil {
		code, _ := errcode.CodeOf(err)
		result = code.Name()
		ev := e.log.Info()
		if code.Kind() == errcode.KindStorage {
			ev = e.log.Error()
		}
		ev.Str("op", op).Str("code", result).Err(err).Msg("operation rejected")
	}
	if err == nil {
		e.log.Debug().Str("op", op).Dur("elapsed", time.Since(start)).Msg("operation committed")
	}
	metrics.ObserveOperation(op, result, time.Since(start))
	return err
}

// normalize turns infrastructure errors into their error codes.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var ce *errcode.Error
	if errors.As(err, &ce) {
		return ce
	}
	var dup *store.DuplicateError
	switch {
	case errors.As(err, &dup):
		switch dup.Record {
		case store.RecordState:
			return errcode.New(errcode.StateAlreadyInitialized)
		case store.RecordUser:
			return errcode.New(errcode.UserAlreadyInitialized)
		case store.RecordAdmission:
			return errcode.Newf(errcode.MarketAlreadyAdmitted, "%s", dup.Key)
		}
		return errcode.New(errcode.ConcurrentUpdate)
	case errors.Is(err, store.ErrVersionConflict):
		return errcode.New(errcode.ConcurrentUpdate)
	}
	return errcode.Newf(errcode.StorageFailure, "%v", err)
}

// --- Units of work ---

// unit collects one operation's write set and the events it announces.
type unit struct {
	batch  store.Batch
	events []events.Event
}

func (w *unit) putState(st *model.State) { w.batch.State = st }

func (w *unit) putMarket(m *model.Market) {
	if !slices.Contains(w.batch.Markets, m) {
		w.batch.Markets = append(w.batch.Markets, m)
	}
}

func (w *unit) putUser(u *model.User) {
	if !slices.Contains(w.batch.Users, u) {
		w.batch.Users = append(w.batch.Users, u)
	}
}

func (w *unit) addFill(f model.FillRecord) { w.batch.Fills = append(w.batch.Fills, f) }

func (w *unit) emit(t events.Type, market *uint16, user model.Pubkey, payload any) {
	e := events.Event{Type: t, Market: market, Payload: payload}
	if !user.IsZero() {
		e.User = user.String()
	}
	w.events = append(w.events, e)
}

// commit writes the unit and publishes its events. The caller still holds
// the record locks, so events leave in commit order per record.
func (e *Engine) commit(ctx context.Context, w *unit, now int64) error {
	if !w.batch.Empty() {
		if err := e.store.Commit(ctx, &w.batch); err != nil {
			return err
		}
	}
	for _, f := range w.batch.Fills {
		metrics.ObserveFill(f.MarketIndex, f.Direction.String(), f.Kind.String(), f.BaseAmount)
	}
	for _, ev := range w.events {
		ev.Sequence = e.seq.Add(1)
		ev.Ts = now
		e.sink.Publish(ctx, ev)
	}
	return nil
}

// --- Record loading ---

func (e *Engine) loadState(ctx context.Context) (*model.State, error) {
	st, err := e.store.GetState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errcode.New(errcode.StateNotInitialized)
	}
	return st, err
}

// tradingState loads the State and fails when the exchange is paused.
func (e *Engine) tradingState(ctx context.Context) (*model.State, error) {
	st, err := e.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if st.ExchangePaused {
		return nil, errcode.ErrExchangePaused
	}
	return st, nil
}

func (e *Engine) loadMarket(ctx context.Context, index uint16) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, index)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errcode.Newf(errcode.MarketNotFound, "market %d", index)
	}
	return m, err
}

func (e *Engine) loadUser(ctx context.Context, authority model.Pubkey) (*model.User, error) {
	u, err := e.store.GetUser(ctx, authority)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errcode.Newf(errcode.UserNotInitialized, "%s", authority)
	}
	return u, err
}

// signedUser loads authority's account and checks signer may act for it.
func (e *Engine) signedUser(ctx context.Context, signer, authority model.Pubkey) (*model.User, error) {
	u, err := e.loadUser(ctx, authority)
	if err != nil {
		return nil, err
	}
	if !u.CanSign(signer) {
		return nil, errcode.ErrInvalidAuthority
	}
	return u, nil
}

// marginMarkets resolves every market u holds a slot in. Locked markets are
// used as given; the rest are read as a snapshot, which is enough because
// margin only needs their immutable ratios and informational prices.
func (e *Engine) marginMarkets(ctx context.Context, u *model.User, locked ...*model.Market) (margin.Markets, error) {
	ms := make(margin.Markets, len(locked))
	for _, m := range locked {
		ms[m.MarketIndex] = m
	}
	for i := range u.Positions {
		p := &u.Positions[i]
		if p.IsAvailable() {
			continue
		}
		if _, ok := ms[p.MarketIndex]; ok {
			continue
		}
		m, err := e.loadMarket(ctx, p.MarketIndex)
		if err != nil {
			return nil, err
		}
		ms[p.MarketIndex] = m
	}
	return ms, nil
}

func (e *Engine) isAdmin(st *model.State, signer model.Pubkey) bool {
	return !signer.IsZero() && st.Admin == signer
}

func withProtocolDefaults(p InitializeParams) InitializeParams {
	if p.LiquidationMarginRatio == 0 {
		p.LiquidationMarginRatio = 625
	}
	if p.MaxLeverage == 0 {
		p.MaxLeverage = 20
	}
	return p
}

// DefaultMarketParams are used when Options.Market is left empty.
func DefaultMarketParams() MarketParams {
	return MarketParams{
		FundingPeriod:          3600,
		TakerFee:               1000,
		MakerRebate:            200,
		MarginRatioInitial:     1000,
		MarginRatioMaintenance: 625,
		MinOrderSize:           10_000_000,
		OrderTickSize:          100,
		BaseSpread:             1000,
		MaxSpread:              50_000,
	}
}
