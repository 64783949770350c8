package engine

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/predperp/perp-engine/internal/amm"
	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/events"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/funding"
	"github.com/predperp/perp-engine/internal/marketref"
	"github.com/predperp/perp-engine/internal/metrics"
	"github.com/predperp/perp-engine/internal/model"
	"github.com/predperp/perp-engine/internal/store"
)

// Initialize creates the exchange State with signer as admin.
func (e *Engine) Initialize(ctx context.Context, signer model.Pubkey, params InitializeParams) (*model.State, error) {
	var out *model.State
	err := e.run("initialize", func() error {
		if signer.IsZero() {
			return errcode.Newf(errcode.InvalidIdentity, "empty signer")
		}
		release := e.locks.acquire(scope{stateWrite: true})
		defer release()

		if _, err := e.store.GetState(ctx); err == nil {
			return errcode.ErrStateAlreadyInitialized
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		p := params
		if p == (InitializeParams{}) {
			p = e.opts.Protocol
		}
		p = withProtocolDefaults(p)
		if p.MinCollateral < 0 || p.LiquidationMarginRatio <= 0 || p.LiquidationMarginRatio >= fp.MarginPrecision || p.MaxLeverage <= 0 {
			return errcode.Newf(errcode.InvalidMarketParams, "protocol parameters %+v", p)
		}

		st := &model.State{
			Admin:                  signer,
			CollateralVault:        model.VaultKey(),
			MinCollateral:          p.MinCollateral,
			LiquidationMarginRatio: p.LiquidationMarginRatio,
			MaxLeverage:            p.MaxLeverage,
		}
		var w unit
		w.putState(st)
		w.emit(events.Initialized, nil, signer, st)
		if err := e.commit(ctx, &w, e.clock.Now()); err != nil {
			return err
		}
		e.log.Info().Str("admin", signer.String()).Msg("exchange initialized")
		out = st
		return nil
	})
	return out, err
}

// InitializeUser creates signer's trading account. name is cut to
// model.MaxNameLen bytes.
func (e *Engine) InitializeUser(ctx context.Context, signer model.Pubkey, name string, delegate model.Pubkey) (*model.User, error) {
	var out *model.User
	err := e.run("initialize_user", func() error {
		if signer.IsZero() {
			return errcode.Newf(errcode.InvalidIdentity, "empty signer")
		}
		release := e.locks.acquire(scope{users: []model.Pubkey{signer}})
		defer release()

		if _, err := e.loadState(ctx); err != nil {
			return err
		}
		if _, err := e.store.GetUser(ctx, signer); err == nil {
			return errcode.ErrUserAlreadyInitialized
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		u := &model.User{
			Authority:   signer,
			Delegate:    delegate,
			Name:        truncateName(name),
			Status:      model.UserActive,
			NextOrderID: 1,
		}
		var w unit
		w.putUser(u)
		w.emit(events.UserInitialized, nil, signer, nil)
		if err := e.commit(ctx, &w, e.clock.Now()); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

func truncateName(s string) string {
	if len(s) <= model.MaxNameLen {
		return s
	}
	s = s[:model.MaxNameLen]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// AddMarketParams describes a market to admit.
type AddMarketParams struct {
	Name       string       `json:"name"`
	ExternalID string       `json:"external_id"`
	Oracle     model.Pubkey `json:"oracle"`
	// InitialPrice is the AMM mid at creation, strictly inside the AMM
	// price band.
	InitialPrice int64 `json:"initial_price"`
	// InitialLiquidity is k; the curve uses the largest perfect square not
	// above it.
	InitialLiquidity model.Reserve `json:"initial_liquidity"`
	// ExpiryTs is when the market may be settled; zero never expires and
	// never settles.
	ExpiryTs int64 `json:"expiry_ts"`

	// MarketParams left entirely zero take Options.Market.
	MarketParams
}

// AddMarket admits a new market under the next index. Admin only.
func (e *Engine) AddMarket(ctx context.Context, signer model.Pubkey, params AddMarketParams) (*model.Market, error) {
	var out *model.Market
	err := e.run("add_market", func() error {
		release := e.locks.acquire(scope{stateWrite: true})
		defer release()

		st, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		if !e.isAdmin(st, signer) {
			return errcode.ErrInvalidAdmin
		}

		ref, err := marketref.Parse(params.Name, params.ExternalID)
		if err != nil {
			return errcode.Newf(errcode.InvalidMarketParams, "%v", err)
		}
		admitted, err := e.store.HasAdmission(ctx, ref.ExternalID)
		if err != nil {
			return err
		}
		if admitted {
			return errcode.Newf(errcode.MarketAlreadyAdmitted, "%s", ref.ExternalID)
		}
		if int(st.NumberOfMarkets) >= e.opts.MaxMarkets {
			return errcode.ErrMaxMarketsReached
		}

		now := e.clock.Now()
		if params.ExpiryTs != 0 && params.ExpiryTs <= now {
			return errcode.Newf(errcode.InvalidMarketParams, "expiry %d is not in the future", params.ExpiryTs)
		}
		if params.Oracle.IsZero() {
			return errcode.Newf(errcode.InvalidMarketParams, "oracle authority required")
		}
		if params.MarketParams == (MarketParams{}) {
			params.MarketParams = e.opts.Market
		}
		if err := validateMarketParams(params.MarketParams); err != nil {
			return err
		}

		curve, err := amm.Init(params.InitialPrice, params.InitialLiquidity.U(), params.BaseSpread, params.MaxSpread, now)
		if err != nil {
			return err
		}

		m := &model.Market{
			MarketIndex:            st.NumberOfMarkets,
			Name:                   ref.Name,
			ExternalID:             ref.ExternalID,
			Oracle:                 params.Oracle,
			OraclePrice:            params.InitialPrice,
			OracleTWAP:             params.InitialPrice,
			Status:                 model.MarketActive,
			ExpiryTs:               params.ExpiryTs,
			LastFundingRateTs:      now,
			FundingPeriod:          params.FundingPeriod,
			TakerFee:               params.TakerFee,
			MakerRebate:            params.MakerRebate,
			MarginRatioInitial:     params.MarginRatioInitial,
			MarginRatioMaintenance: params.MarginRatioMaintenance,
			OrderTickSize:          params.OrderTickSize,
			MinOrderSize:           params.MinOrderSize,
			AMM:                    curve,
		}
		st.NumberOfMarkets++

		var w unit
		w.putState(st)
		w.putMarket(m)
		w.batch.Admission = &store.Admission{ExternalID: m.ExternalID, MarketIndex: m.MarketIndex}
		w.emit(events.MarketAdded, events.MarketRef(m.MarketIndex), signer, m)
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		metrics.ActiveMarkets.Inc()
		e.log.Info().
			Uint16("market", m.MarketIndex).
			Str("external_id", m.ExternalID).
			Str("kind", ref.Kind).
			Int64("initial_price", params.InitialPrice).
			Msg("market added")
		out = m
		return nil
	})
	return out, err
}

func validateMarketParams(p MarketParams) error {
	switch {
	case p.FundingPeriod <= 0:
		return errcode.Newf(errcode.InvalidFundingPeriod, "period %d", p.FundingPeriod)
	case p.MarginRatioMaintenance <= 0 || p.MarginRatioInitial <= p.MarginRatioMaintenance || p.MarginRatioInitial > fp.MarginPrecision:
		return errcode.Newf(errcode.InvalidMarketParams, "margin ratios %d/%d", p.MarginRatioInitial, p.MarginRatioMaintenance)
	case p.OrderTickSize <= 0 || p.OrderTickSize >= fp.MaxPrice:
		return errcode.Newf(errcode.InvalidMarketParams, "tick size %d", p.OrderTickSize)
	case p.MinOrderSize <= 0:
		return errcode.Newf(errcode.InvalidMarketParams, "min order size %d", p.MinOrderSize)
	case p.TakerFee < 0 || p.TakerFee >= fp.FeePrecision || p.MakerRebate < 0 || p.MakerRebate > p.TakerFee:
		return errcode.Newf(errcode.InvalidMarketParams, "fees %d/%d", p.TakerFee, p.MakerRebate)
	}
	return nil
}

// UpdateOracle records a new oracle price for a market. The signer must be
// the market's oracle authority or the admin. A zero twap folds price into
// the stored five-minute average instead.
func (e *Engine) UpdateOracle(ctx context.Context, signer model.Pubkey, marketIndex uint16, price, twap int64) (*model.Market, error) {
	var out *model.Market
	err := e.run("update_oracle", func() error {
		release := e.locks.acquire(scope{markets: []uint16{marketIndex}})
		defer release()

		st, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}
		if signer.IsZero() || (signer != m.Oracle && !e.isAdmin(st, signer)) {
			return errcode.New(errcode.InvalidOracle)
		}
		if m.Status == model.MarketSettled {
			return errcode.ErrMarketAlreadySettled
		}
		if price <= 0 || price > fp.MaxPrice || twap < 0 || twap > fp.MaxPrice {
			return errcode.Newf(errcode.OraclePriceInvalid, "price %d twap %d", price, twap)
		}
		now := e.clock.Now()
		if m.LastOracleUpdate != 0 && now <= m.LastOracleUpdate {
			return errcode.Newf(errcode.OraclePriceStale, "update at %d, last %d", now, m.LastOracleUpdate)
		}

		if twap == 0 {
			if twap, err = amm.FoldTWAP(m.OracleTWAP, price, m.LastOracleUpdate, now, amm.TWAP5MinWindow); err != nil {
				return err
			}
		}
		m.OraclePrice = price
		m.OracleTWAP = twap
		m.LastOracleUpdate = now

		var w unit
		w.putMarket(m)
		w.emit(events.OracleUpdated, events.MarketRef(marketIndex), model.Pubkey{}, map[string]int64{
			"oracle_price": price,
			"oracle_twap":  twap,
		})
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// SetPaused toggles the exchange-wide pause. Admin only.
func (e *Engine) SetPaused(ctx context.Context, signer model.Pubkey, paused bool) (*model.State, error) {
	var out *model.State
	err := e.run("set_paused", func() error {
		release := e.locks.acquire(scope{stateWrite: true})
		defer release()

		st, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		if !e.isAdmin(st, signer) {
			return errcode.ErrInvalidAdmin
		}
		st.ExchangePaused = paused

		var w unit
		w.putState(st)
		w.emit(events.ExchangePaused, nil, signer, map[string]bool{"paused": paused})
		if err := e.commit(ctx, &w, e.clock.Now()); err != nil {
			return err
		}
		e.log.Info().Bool("paused", paused).Msg("exchange pause set")
		out = st
		return nil
	})
	return out, err
}

// SetMarketStatus moves a market between Active and Paused. Admin only.
func (e *Engine) SetMarketStatus(ctx context.Context, signer model.Pubkey, marketIndex uint16, paused bool) (*model.Market, error) {
	var out *model.Market
	err := e.run("set_market_status", func() error {
		release := e.locks.acquire(scope{markets: []uint16{marketIndex}})
		defer release()

		st, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		if !e.isAdmin(st, signer) {
			return errcode.ErrInvalidAdmin
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}
		switch m.Status {
		case model.MarketSettled:
			return errcode.ErrMarketAlreadySettled
		case model.MarketActive, model.MarketPaused:
		default:
			return errcode.New(errcode.InvalidMarketStatus)
		}

		was := m.Status
		m.Status = model.MarketActive
		if paused {
			m.Status = model.MarketPaused
		}

		var w unit
		w.putMarket(m)
		w.emit(events.MarketStatusSet, events.MarketRef(marketIndex), signer, map[string]string{"status": m.Status.String()})
		if err := e.commit(ctx, &w, e.clock.Now()); err != nil {
			return err
		}
		switch {
		case was == model.MarketActive && paused:
			metrics.ActiveMarkets.Dec()
		case was == model.MarketPaused && !paused:
			metrics.ActiveMarkets.Inc()
		}
		e.log.Info().Uint16("market", marketIndex).Str("status", m.Status.String()).Msg("market status set")
		out = m
		return nil
	})
	return out, err
}

// SettleMarket resolves an expired market at 0 or MaxPrice. The signer must
// be the admin or the market's oracle authority. Funding accrued up to now
// is applied first; afterwards the market stops accruing.
func (e *Engine) SettleMarket(ctx context.Context, signer model.Pubkey, marketIndex uint16, price int64) (*model.Market, error) {
	var out *model.Market
	err := e.run("settle_market", func() error {
		release := e.locks.acquire(scope{markets: []uint16{marketIndex}})
		defer release()

		st, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}
		if !e.isAdmin(st, signer) && (signer.IsZero() || signer != m.Oracle) {
			return errcode.ErrInvalidAuthority
		}
		now := e.clock.Now()
		if err := funding.ValidateSettlement(m, now, price); err != nil {
			return err
		}
		if err := accrueFunding(m, now); err != nil {
			return err
		}

		was := m.Status
		m.Status = model.MarketSettled
		m.SettlementPrice = price

		var w unit
		w.putMarket(m)
		w.emit(events.MarketSettled, events.MarketRef(marketIndex), signer, map[string]int64{"settlement_price": price})
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		if was == model.MarketActive {
			metrics.ActiveMarkets.Dec()
		}
		e.log.Info().Uint16("market", marketIndex).Int64("price", price).Msg("market settled")
		out = m
		return nil
	})
	return out, err
}

// accrueFunding applies elapsed funding periods, treating a market that has
// no oracle average yet as having nothing to accrue.
func accrueFunding(m *model.Market, now int64) error {
	if _, err := funding.Accrue(m, now); err != nil && !errors.Is(err, errcode.ErrFundingNotReady) {
		return err
	}
	return nil
}
