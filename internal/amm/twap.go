package amm

import (
	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
)

// TWAP windows in seconds.
const (
	TWAPWindow     int64 = 60 * 60
	TWAP5MinWindow int64 = 5 * 60
)

// FoldTWAP weights price by the time elapsed since lastTs, capped at the
// window: (prev*(window-since) + price*since) / window. A zero prev or
// lastTs starts the average at price.
func FoldTWAP(prev, price, lastTs, now, window int64) (int64, error) {
	if window <= 0 {
		return 0, errcode.ErrDivisionByZero
	}
	if prev == 0 || lastTs == 0 {
		return price, nil
	}
	since := fp.Clamp(now-lastTs, 0, window)
	a, err := fp.Mul(prev, window-since)
	if err != nil {
		return 0, err
	}
	b, err := fp.Mul(price, since)
	if err != nil {
		return 0, err
	}
	sum, err := fp.Add(a, b)
	if err != nil {
		return 0, err
	}
	return fp.Div(sum, window)
}

// UpdateMarkTWAP folds the current mid, bid and ask into the curve's TWAPs.
// Observations must not go back in time; several in the same second carry
// no weight after the first.
func UpdateMarkTWAP(a *model.AMM, now int64) error {
	if now < a.LastMarkPriceTWAPTs {
		return errcode.Newf(errcode.OraclePriceStale, "mark update at %d before %d", now, a.LastMarkPriceTWAPTs)
	}
	q, err := PriceQuotes(a)
	if err != nil {
		return err
	}
	last := a.LastMarkPriceTWAPTs

	if a.LastMarkPriceTWAP, err = FoldTWAP(a.LastMarkPriceTWAP, q.Mid, last, now, TWAPWindow); err != nil {
		return err
	}
	if a.LastMarkPriceTWAP5Min, err = FoldTWAP(a.LastMarkPriceTWAP5Min, q.Mid, last, now, TWAP5MinWindow); err != nil {
		return err
	}
	if a.LastBidPriceTWAP, err = FoldTWAP(a.LastBidPriceTWAP, q.Bid, last, now, TWAPWindow); err != nil {
		return err
	}
	if a.LastAskPriceTWAP, err = FoldTWAP(a.LastAskPriceTWAP, q.Ask, last, now, TWAPWindow); err != nil {
		return err
	}
	a.LastMarkPriceTWAPTs = now
	return nil
}
