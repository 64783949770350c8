package engine

import (
	"context"

	"github.com/predperp/perp-engine/internal/amm"
	"github.com/predperp/perp-engine/internal/margin"
	"github.com/predperp/perp-engine/internal/model"
)

// Read-backs take no locks. Each record is a committed snapshot; an account
// summary may combine snapshots of the user and its markets taken a moment
// apart.

func (e *Engine) GetState(ctx context.Context) (*model.State, error) {
	st, err := e.loadState(ctx)
	return st, normalize(err)
}

func (e *Engine) GetMarket(ctx context.Context, index uint16) (*model.Market, error) {
	m, err := e.loadMarket(ctx, index)
	return m, normalize(err)
}

func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	ms, err := e.store.ListMarkets(ctx)
	return ms, normalize(err)
}

func (e *Engine) GetUser(ctx context.Context, authority model.Pubkey) (*model.User, error) {
	u, err := e.loadUser(ctx, authority)
	return u, normalize(err)
}

// AccountSummary is a user's margin picture for display.
type AccountSummary struct {
	Authority model.Pubkey     `json:"authority"`
	Status    model.UserStatus `json:"status"`
	margin.Account
	// Available is FreeCollateral floored at zero.
	Available int64         `json:"available"`
	Orders    []model.Order `json:"orders"`
}

// AccountSummary evaluates authority's account against current markets.
func (e *Engine) AccountSummary(ctx context.Context, authority model.Pubkey) (*AccountSummary, error) {
	u, err := e.loadUser(ctx, authority)
	if err != nil {
		return nil, normalize(err)
	}
	markets, err := e.marginMarkets(ctx, u)
	if err != nil {
		return nil, normalize(err)
	}
	acc, err := margin.Evaluate(u, markets)
	if err != nil {
		return nil, normalize(err)
	}
	s := &AccountSummary{
		Authority: u.Authority,
		Status:    u.Status,
		Account:   acc,
		Available: acc.DisplayFreeCollateral(),
	}
	for i := range u.Orders {
		if u.Orders[i].Status == model.OrderOpen {
			s.Orders = append(s.Orders, u.Orders[i])
		}
	}
	return s, nil
}

// Quotes returns the curve's bid, mid and ask for a market.
func (e *Engine) Quotes(ctx context.Context, index uint16) (amm.Quotes, error) {
	m, err := e.loadMarket(ctx, index)
	if err != nil {
		return amm.Quotes{}, normalize(err)
	}
	q, err := amm.PriceQuotes(&m.AMM)
	return q, normalize(err)
}

// MarketFills lists the fill journal of a market, oldest first.
func (e *Engine) MarketFills(ctx context.Context, index uint16) ([]model.FillRecord, error) {
	fs, err := e.store.ListFillsByMarket(ctx, index)
	return fs, normalize(err)
}

// UserFills lists the fill journal of a user, oldest first.
func (e *Engine) UserFills(ctx context.Context, authority model.Pubkey) ([]model.FillRecord, error) {
	fs, err := e.store.ListFillsByUser(ctx, authority)
	return fs, normalize(err)
}
