package engine

import (
	"context"

	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/events"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/margin"
	"github.com/predperp/perp-engine/internal/model"
)

// Deposit credits amount to the account. The signer may be the authority or
// its delegate. A bankrupt account with no positions left becomes active
// again once it holds collateral.
func (e *Engine) Deposit(ctx context.Context, signer, authority model.Pubkey, amount int64) (*model.User, error) {
	var out *model.User
	err := e.run("deposit", func() error {
		release := e.locks.acquire(scope{users: []model.Pubkey{authority}})
		defer release()

		if _, err := e.tradingState(ctx); err != nil {
			return err
		}
		u, err := e.signedUser(ctx, signer, authority)
		if err != nil {
			return err
		}
		if amount <= 0 {
			return errcode.Newf(errcode.InvalidAmount, "deposit %d", amount)
		}
		if u.Collateral, err = fp.Add(u.Collateral, amount); err != nil {
			return err
		}
		if u.TotalDeposits, err = fp.Add(u.TotalDeposits, amount); err != nil {
			return err
		}
		if u.Status == model.UserBankrupt && !u.HasOpenPositions() {
			u.Status = model.UserActive
		}

		var w unit
		w.putUser(u)
		w.emit(events.Deposited, nil, authority, map[string]int64{"amount": amount, "collateral": u.Collateral})
		if err := e.commit(ctx, &w, e.clock.Now()); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// Withdraw debits amount from the account. Only the authority may withdraw.
// The checks run from the most to the least specific: the balance itself,
// free collateral, the protocol minimum, then maintenance margin on equity.
func (e *Engine) Withdraw(ctx context.Context, signer, authority model.Pubkey, amount int64) (*model.User, error) {
	var out *model.User
	err := e.run("withdraw", func() error {
		release := e.locks.acquire(scope{users: []model.Pubkey{authority}})
		defer release()

		st, err := e.tradingState(ctx)
		if err != nil {
			return err
		}
		u, err := e.loadUser(ctx, authority)
		if err != nil {
			return err
		}
		if signer.IsZero() || signer != u.Authority {
			return errcode.ErrInvalidAuthority
		}
		if u.Status == model.UserBeingLiquidated {
			return errcode.New(errcode.UserBeingLiquidated)
		}
		if amount <= 0 {
			return errcode.Newf(errcode.InvalidAmount, "withdraw %d", amount)
		}
		if amount > u.Collateral {
			return errcode.Newf(errcode.InsufficientCollateral, "collateral %d, requested %d", u.Collateral, amount)
		}

		markets, err := e.marginMarkets(ctx, u)
		if err != nil {
			return err
		}
		acc, err := margin.Evaluate(u, markets)
		if err != nil {
			return err
		}
		if amount > acc.FreeCollateral {
			return errcode.Newf(errcode.WithdrawalExceedsFreeCollateral, "free %d, requested %d", acc.DisplayFreeCollateral(), amount)
		}
		remaining := u.Collateral - amount
		if remaining > 0 && remaining < st.MinCollateral {
			return errcode.Newf(errcode.CollateralBelowMinimum, "remaining %d, minimum %d", remaining, st.MinCollateral)
		}
		if u.HasOpenPositions() {
			equity, err := fp.Sub(acc.Equity, amount)
			if err != nil {
				return err
			}
			if equity < acc.MaintenanceMargin {
				return errcode.Newf(errcode.InsufficientMargin, "equity %d below maintenance %d", equity, acc.MaintenanceMargin)
			}
		}

		u.Collateral = remaining
		if u.TotalWithdraws, err = fp.Add(u.TotalWithdraws, amount); err != nil {
			return err
		}

		var w unit
		w.putUser(u)
		w.emit(events.Withdrew, nil, authority, map[string]int64{"amount": amount, "collateral": u.Collateral})
		if err := e.commit(ctx, &w, e.clock.Now()); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// applyCollateral adds delta to the account. A loss larger than the
// collateral leaves the account at zero, marks it bankrupt and books the
// shortfall as bad debt on m.
func applyCollateral(u *model.User, m *model.Market, delta int64) error {
	c, err := fp.Add(u.Collateral, delta)
	if err != nil {
		return err
	}
	if c < 0 {
		if m.BadDebt, err = fp.Sub(m.BadDebt, c); err != nil {
			return err
		}
		c = 0
		u.Status = model.UserBankrupt
	}
	u.Collateral = c
	return nil
}
