package engine

import (
	"context"
	"slices"

	"github.com/predperp/perp-engine/internal/amm"
	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/events"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/margin"
	"github.com/predperp/perp-engine/internal/model"
)

// OrderParams describes an order to place.
type OrderParams struct {
	MarketIndex      uint16                 `json:"market_index"`
	OrderType        model.OrderType        `json:"order_type"`
	Direction        model.Direction        `json:"direction"`
	BaseAssetAmount  int64                  `json:"base_asset_amount"`
	Price            int64                  `json:"price"`
	TriggerPrice     int64                  `json:"trigger_price"`
	TriggerCondition model.TriggerCondition `json:"trigger_condition"`
	ReduceOnly       bool                   `json:"reduce_only"`
	PostOnly         bool                   `json:"post_only"`
	MaxTs            int64                  `json:"max_ts"`
}

// FillResult is the outcome of one order execution.
type FillResult struct {
	Fill       model.FillRecord `json:"fill"`
	Order      model.Order      `json:"order"`
	Position   model.Position   `json:"position"`
	Collateral int64            `json:"collateral"`
}

// PlaceResult is the accepted order and, for market orders, its fill.
type PlaceResult struct {
	Order model.Order `json:"order"`
	Fill  *FillResult `json:"fill,omitempty"`
}

// PlaceOrder accepts an order into one of the user's order slots. Limit and
// trigger orders rest without touching the curve. Market orders execute in
// the same unit of work and any unfilled remainder is cancelled.
func (e *Engine) PlaceOrder(ctx context.Context, signer, authority model.Pubkey, params OrderParams) (*PlaceResult, error) {
	var out *PlaceResult
	err := e.run("place_order", func() error {
		release := e.locks.acquire(scope{markets: []uint16{params.MarketIndex}, users: []model.Pubkey{authority}})
		defer release()

		st, err := e.tradingState(ctx)
		if err != nil {
			return err
		}
		u, err := e.signedUser(ctx, signer, authority)
		if err != nil {
			return err
		}
		if err := checkUserCanTrade(u); err != nil {
			return err
		}
		m, err := e.loadMarket(ctx, params.MarketIndex)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if err := checkTradable(m, now, params.ReduceOnly); err != nil {
			return err
		}
		if err := validateOrder(m, params, now); err != nil {
			return err
		}

		base := u.BaseFor(m.MarketIndex)
		if params.ReduceOnly && (base == 0 || model.DirectionOf(base) == params.Direction) {
			return errcode.Newf(errcode.ReduceOnlyOrderIncreasesPosition, "position %d", base)
		}
		if params.PostOnly {
			if err := checkPostOnly(m, params); err != nil {
				return err
			}
		}

		oi := u.FreeOrderSlot()
		if oi < 0 {
			return errcode.ErrMaxOrdersReached
		}
		pi, ok := u.PositionFor(m.MarketIndex)
		if !ok {
			return errcode.ErrMaxPositionsReached
		}
		if !params.ReduceOnly {
			if err := e.checkOrderLeverage(ctx, st, m, u, params); err != nil {
				return err
			}
		}

		o := &u.Orders[oi]
		*o = model.Order{
			OrderID:          u.NextOrderID,
			MarketIndex:      m.MarketIndex,
			Status:           model.OrderOpen,
			OrderType:        params.OrderType,
			Direction:        params.Direction,
			Price:            params.Price,
			BaseAssetAmount:  params.BaseAssetAmount,
			TriggerPrice:     params.TriggerPrice,
			TriggerCondition: params.TriggerCondition,
			ReduceOnly:       params.ReduceOnly,
			PostOnly:         params.PostOnly,
			Slot:             e.nextSlot.Add(1),
			PlacedTs:         now,
			MaxTs:            params.MaxTs,
		}
		u.NextOrderID++
		if u.NextOrderID == 0 {
			u.NextOrderID = 1
		}
		u.OpenOrders++
		p := &u.Positions[pi]
		p.OpenOrders++
		if err := addOpenSize(p, o.Direction, o.BaseAssetAmount); err != nil {
			return err
		}

		var w unit
		w.putUser(u)
		w.emit(events.OrderPlaced, events.MarketRef(m.MarketIndex), authority, *o)

		res := &PlaceResult{}
		if o.OrderType == model.OrderTypeMarket {
			if res.Fill, err = e.fill(ctx, &w, st, m, u, oi, 0, signer, now); err != nil {
				return err
			}
			if o.Status == model.OrderOpen {
				o.Status = model.OrderCancelled
				if err := releaseOrder(u, o); err != nil {
					return err
				}
				w.emit(events.OrderCancelled, events.MarketRef(m.MarketIndex), authority, *o)
			}
			res.Fill.Order = *o
		}
		res.Order = *o

		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func validateOrder(m *model.Market, p OrderParams, now int64) error {
	switch p.Direction {
	case model.Long, model.Short:
	default:
		return errcode.New(errcode.InvalidOrderDirection)
	}
	if p.BaseAssetAmount <= 0 {
		return errcode.Newf(errcode.InvalidAmount, "order size %d", p.BaseAssetAmount)
	}
	if p.BaseAssetAmount < m.MinOrderSize {
		return errcode.Newf(errcode.OrderSizeTooSmall, "size %d, minimum %d", p.BaseAssetAmount, m.MinOrderSize)
	}
	if p.MaxTs != 0 && p.MaxTs < now {
		return errcode.Newf(errcode.OrderExpired, "max_ts %d, now %d", p.MaxTs, now)
	}

	switch p.OrderType {
	case model.OrderTypeMarket:
		if p.PostOnly {
			return errcode.Newf(errcode.InvalidOrderType, "market orders cannot be post-only")
		}
		// A market order's price is an optional worst-price bound.
		if p.Price != 0 {
			return checkPrice(m, p.Price, "price")
		}
	case model.OrderTypeLimit:
		return checkPrice(m, p.Price, "price")
	case model.OrderTypeStopLoss, model.OrderTypeTakeProfit:
		if p.PostOnly {
			return errcode.Newf(errcode.InvalidOrderType, "trigger orders cannot be post-only")
		}
		switch p.TriggerCondition {
		case model.TriggerAbove, model.TriggerBelow:
		default:
			return errcode.Newf(errcode.InvalidOrderType, "trigger condition %d", p.TriggerCondition)
		}
		if err := checkPrice(m, p.TriggerPrice, "trigger price"); err != nil {
			return err
		}
		if p.Price != 0 {
			return checkPrice(m, p.Price, "price")
		}
	default:
		return errcode.Newf(errcode.InvalidOrderType, "order type %d", p.OrderType)
	}
	return nil
}

func checkPrice(m *model.Market, price int64, what string) error {
	if price <= 0 || price > fp.MaxPrice {
		return errcode.Newf(errcode.OrderPriceOutsideBounds, "%s %d", what, price)
	}
	if price%m.OrderTickSize != 0 {
		return errcode.Newf(errcode.OrderPriceOutsideBounds, "%s %d is not a multiple of tick %d", what, price, m.OrderTickSize)
	}
	return nil
}

// checkPostOnly rejects a limit order that the curve would fill right away.
func checkPostOnly(m *model.Market, p OrderParams) error {
	if p.OrderType != model.OrderTypeLimit {
		return errcode.Newf(errcode.InvalidOrderType, "post-only requires a limit order")
	}
	q, err := amm.PriceQuotes(&m.AMM)
	if err != nil {
		return err
	}
	if (p.Direction == model.Long && p.Price >= q.Ask) || (p.Direction == model.Short && p.Price <= q.Bid) {
		return errcode.Newf(errcode.PostOnlyWouldCross, "price %d, bid %d, ask %d", p.Price, q.Bid, q.Ask)
	}
	return nil
}

// checkOrderLeverage projects the position as if the whole order filled at
// its price (the mark price for market orders) and applies the leverage
// caps to the result.
func (e *Engine) checkOrderLeverage(ctx context.Context, st *model.State, m *model.Market, u *model.User, p OrderParams) error {
	ref := p.Price
	if ref == 0 {
		var err error
		if ref, err = margin.MarkPrice(m); err != nil {
			return err
		}
	}
	projected, err := fp.Add(u.BaseFor(m.MarketIndex), p.Direction.Sign()*p.BaseAssetAmount)
	if err != nil {
		return err
	}
	notional, err := fp.Notional(projected, ref)
	if err != nil {
		return err
	}

	markets, err := e.marginMarkets(ctx, u, m)
	if err != nil {
		return err
	}
	acc, err := margin.Evaluate(u, markets)
	if err != nil {
		return err
	}
	exposures := make(map[uint16]int64, len(acc.Positions))
	for _, v := range acc.Positions {
		exposures[v.MarketIndex] = v.Notional
	}
	return e.checkLeverage(st, m.MarketIndex, notional, exposures, u.Collateral, errcode.OrderExceedsMaxLeverage)
}

// FillOrder executes an open order of authority's against the curve. The
// filler may be the owner, its delegate, or any allowed filler. maxBase
// caps the fill; zero fills everything that remains.
func (e *Engine) FillOrder(ctx context.Context, filler, authority model.Pubkey, orderID uint32, maxBase int64) (*FillResult, error) {
	var out *FillResult
	err := e.run("fill_order", func() error {
		if _, err := e.tradingState(ctx); err != nil {
			return err
		}
		// The order's market decides which locks to take. Order ids are never
		// reused, so the market read here cannot change underneath us.
		snap, err := e.loadUser(ctx, authority)
		if err != nil {
			return err
		}
		oi := snap.FindOrder(orderID)
		if oi < 0 {
			return errcode.Newf(errcode.OrderNotFound, "order %d", orderID)
		}
		marketIndex := snap.Orders[oi].MarketIndex

		release := e.locks.acquire(scope{markets: []uint16{marketIndex}, users: []model.Pubkey{authority}})
		defer release()

		st, err := e.tradingState(ctx)
		if err != nil {
			return err
		}
		u, err := e.loadUser(ctx, authority)
		if err != nil {
			return err
		}
		if !e.canFill(filler, u) {
			return errcode.ErrInvalidAuthority
		}
		if oi = u.FindOrder(orderID); oi < 0 {
			return errcode.Newf(errcode.OrderNotFound, "order %d", orderID)
		}
		if maxBase < 0 {
			return errcode.Newf(errcode.InvalidAmount, "max base %d", maxBase)
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		var w unit
		res, err := e.fill(ctx, &w, st, m, u, oi, maxBase, filler, now)
		if err != nil {
			return err
		}
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (e *Engine) canFill(filler model.Pubkey, u *model.User) bool {
	if filler.IsZero() {
		return false
	}
	if u.CanSign(filler) || len(e.opts.Fillers) == 0 {
		return true
	}
	return slices.Contains(e.opts.Fillers, filler)
}

// fill executes order slot oi of u against m and records the result in w.
func (e *Engine) fill(ctx context.Context, w *unit, st *model.State, m *model.Market, u *model.User, oi int, maxBase int64, filler model.Pubkey, now int64) (*FillResult, error) {
	o := &u.Orders[oi]
	switch o.Status {
	case model.OrderOpen:
	case model.OrderFilled:
		return nil, errcode.Newf(errcode.OrderAlreadyFilled, "order %d", o.OrderID)
	case model.OrderCancelled:
		return nil, errcode.Newf(errcode.OrderAlreadyCancelled, "order %d", o.OrderID)
	default:
		return nil, errcode.Newf(errcode.OrderNotFound, "order %d", o.OrderID)
	}
	if err := checkUserCanTrade(u); err != nil {
		return nil, err
	}
	if err := checkTradable(m, now, o.ReduceOnly); err != nil {
		return nil, err
	}
	if o.MaxTs != 0 && now > o.MaxTs {
		return nil, errcode.Newf(errcode.OrderExpired, "order %d expired at %d", o.OrderID, o.MaxTs)
	}
	if err := e.checkOracle(m, now); err != nil {
		return nil, err
	}
	if o.OrderType.IsTrigger() {
		if m.OraclePrice <= 0 {
			return nil, errcode.Newf(errcode.OraclePriceInvalid, "market %d has no oracle price", m.MarketIndex)
		}
		hit := m.OraclePrice >= o.TriggerPrice
		if o.TriggerCondition == model.TriggerBelow {
			hit = m.OraclePrice <= o.TriggerPrice
		}
		if !hit {
			return nil, errcode.Newf(errcode.OrderNotTriggered, "oracle %d, trigger %s %d", m.OraclePrice, o.TriggerCondition, o.TriggerPrice)
		}
	}

	size := o.Remaining()
	if maxBase > 0 {
		size = min(size, maxBase)
	}
	if size <= 0 {
		return nil, errcode.Newf(errcode.OrderAlreadyFilled, "order %d has nothing left", o.OrderID)
	}

	pi, ok := u.PositionFor(m.MarketIndex)
	if !ok {
		return nil, errcode.ErrMaxPositionsReached
	}
	p := &u.Positions[pi]
	if o.ReduceOnly {
		base := p.BaseAssetAmount
		if base == 0 || model.DirectionOf(base) == o.Direction {
			return nil, errcode.Newf(errcode.ReduceOnlyOrderIncreasesPosition, "position %d", base)
		}
		held, err := fp.Abs(base)
		if err != nil {
			return nil, err
		}
		size = min(size, held)
	}

	fee := feeTaker
	if o.OrderType == model.OrderTypeLimit {
		fee = feeMaker
	}
	x, err := execute(m, u, pi, trade{
		kind:    model.FillOrder,
		dir:     o.Direction,
		size:    size,
		limit:   o.Price,
		fee:     fee,
		orderID: o.OrderID,
		filler:  filler,
	}, now)
	if err != nil {
		return nil, err
	}
	if x.update.IncreasesRisk() {
		if err := e.checkRisk(ctx, st, m, u, errcode.LeverageExceedsMax); err != nil {
			return nil, err
		}
	}

	if o.BaseAssetAmountFilled, err = fp.Add(o.BaseAssetAmountFilled, size); err != nil {
		return nil, err
	}
	if err := addOpenSize(p, o.Direction, -size); err != nil {
		return nil, err
	}
	if o.Remaining() == 0 {
		o.Status = model.OrderFilled
		if err := releaseOrder(u, o); err != nil {
			return nil, err
		}
	}
	tidySlot(p)

	w.putUser(u)
	w.putMarket(m)
	w.addFill(x.record)
	w.emit(events.OrderFilled, events.MarketRef(m.MarketIndex), u.Authority, x.record)

	e.log.Debug().
		Uint16("market", m.MarketIndex).
		Str("user", u.Authority.String()).
		Uint32("order", o.OrderID).
		Str("direction", o.Direction.String()).
		Int64("base", size).
		Int64("price", x.swap.Price).
		Msg("order filled")

	return &FillResult{
		Fill:       x.record,
		Order:      *o,
		Position:   *p,
		Collateral: u.Collateral,
	}, nil
}

// addOpenSize moves the resting bid or ask size of p by delta, never below
// zero.
func addOpenSize(p *model.Position, dir model.Direction, delta int64) error {
	side := &p.OpenBids
	if dir == model.Short {
		side = &p.OpenAsks
	}
	v, err := fp.Add(*side, delta)
	if err != nil {
		return err
	}
	*side = max(v, 0)
	return nil
}

// releaseOrder drops a closed order's claims on the account and its
// position slot. o must already be Filled or Cancelled.
func releaseOrder(u *model.User, o *model.Order) error {
	if u.OpenOrders > 0 {
		u.OpenOrders--
	}
	pi := u.FindPosition(o.MarketIndex)
	if pi < 0 {
		return nil
	}
	p := &u.Positions[pi]
	if p.OpenOrders > 0 {
		p.OpenOrders--
	}
	if err := addOpenSize(p, o.Direction, -o.Remaining()); err != nil {
		return err
	}
	tidySlot(p)
	return nil
}

// CancelOrder cancels an open order. The signer may be the authority or its
// delegate. Like every other trading operation it fails while the exchange
// is paused.
func (e *Engine) CancelOrder(ctx context.Context, signer, authority model.Pubkey, orderID uint32) (*model.Order, error) {
	var out *model.Order
	err := e.run("cancel_order", func() error {
		release := e.locks.acquire(scope{users: []model.Pubkey{authority}})
		defer release()

		if _, err := e.tradingState(ctx); err != nil {
			return err
		}
		u, err := e.signedUser(ctx, signer, authority)
		if err != nil {
			return err
		}
		oi := u.FindOrder(orderID)
		if oi < 0 {
			return errcode.Newf(errcode.OrderNotFound, "order %d", orderID)
		}
		o := &u.Orders[oi]
		switch o.Status {
		case model.OrderFilled:
			return errcode.Newf(errcode.OrderAlreadyFilled, "order %d", orderID)
		case model.OrderCancelled:
			return errcode.Newf(errcode.OrderAlreadyCancelled, "order %d", orderID)
		case model.OrderOpen:
		default:
			return errcode.Newf(errcode.OrderNotFound, "order %d", orderID)
		}
		o.Status = model.OrderCancelled
		if err := releaseOrder(u, o); err != nil {
			return err
		}

		var w unit
		w.putUser(u)
		w.emit(events.OrderCancelled, events.MarketRef(o.MarketIndex), authority, *o)
		if err := e.commit(ctx, &w, e.clock.Now()); err != nil {
			return err
		}
		cp := *o
		out = &cp
		return nil
	})
	return out, err
}

// ClosePosition closes authority's whole position in a market with a
// reduce-only market execution. Resting orders in the market are left
// alone.
func (e *Engine) ClosePosition(ctx context.Context, signer, authority model.Pubkey, marketIndex uint16) (*FillResult, error) {
	var out *FillResult
	err := e.run("close_position", func() error {
		release := e.locks.acquire(scope{markets: []uint16{marketIndex}, users: []model.Pubkey{authority}})
		defer release()

		if _, err := e.tradingState(ctx); err != nil {
			return err
		}
		u, err := e.signedUser(ctx, signer, authority)
		if err != nil {
			return err
		}
		if u.Status == model.UserBeingLiquidated {
			return errcode.New(errcode.UserBeingLiquidated)
		}
		pi := u.FindPosition(marketIndex)
		if pi < 0 || u.Positions[pi].BaseAssetAmount == 0 {
			return errcode.Newf(errcode.PositionNotFound, "market %d", marketIndex)
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if err := checkTradable(m, now, true); err != nil {
			return err
		}
		if err := e.checkOracle(m, now); err != nil {
			return err
		}

		p := &u.Positions[pi]
		size, err := fp.Abs(p.BaseAssetAmount)
		if err != nil {
			return err
		}
		x, err := execute(m, u, pi, trade{
			kind:   model.FillClose,
			dir:    model.DirectionOf(p.BaseAssetAmount).Opposite(),
			size:   size,
			fee:    feeTaker,
			filler: signer,
		}, now)
		if err != nil {
			return err
		}
		tidySlot(p)

		var w unit
		w.putUser(u)
		w.putMarket(m)
		w.addFill(x.record)
		w.emit(events.PositionClosed, events.MarketRef(marketIndex), authority, x.record)
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		out = &FillResult{Fill: x.record, Position: *p, Collateral: u.Collateral}
		return nil
	})
	return out, err
}
