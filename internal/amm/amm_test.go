package amm

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"

	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
)

// depth is sqrt(k) for most tests: 1000 base units of liquidity.
const depth = 1_000_000_000_000

func liquidity(sqrtK uint64) *uint256.Int {
	s := uint256.NewInt(sqrtK)
	return new(uint256.Int).Mul(s, s)
}

func mustInit(t *testing.T, price, baseSpread, maxSpread int64) model.AMM {
	t.Helper()
	a, err := Init(price, liquidity(depth), baseSpread, maxSpread, 1_700_000_000)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return a
}

func product(a *model.AMM) *uint256.Int {
	return new(uint256.Int).Mul(a.BaseAssetReserve.U(), a.QuoteAssetReserve.U())
}

func checkInvariants(t *testing.T, a *model.AMM, k *uint256.Int) {
	t.Helper()
	if product(a).Lt(k) {
		t.Fatalf("base*quote %s fell below k %s", product(a).Dec(), k.Dec())
	}
	if a.BaseAssetReserve.U().Lt(a.MinBaseAssetReserve.U()) || a.BaseAssetReserve.U().Gt(a.MaxBaseAssetReserve.U()) {
		t.Fatalf("base reserve %s outside [%s, %s]", a.BaseAssetReserve, a.MinBaseAssetReserve, a.MaxBaseAssetReserve)
	}
	mid, err := MidPrice(a)
	if err != nil {
		t.Fatalf("mid: %v", err)
	}
	if mid < fp.MinAMMPrice || mid > fp.MaxAMMPrice {
		t.Fatalf("mid %d outside price band", mid)
	}
}

// --- Init ---

func TestInit_MidEqualsInitialPrice(t *testing.T) {
	for _, p := range []int64{50_001, 123_456, 500_000, 600_000, 949_999} {
		a := mustInit(t, p, 0, 10_000)
		mid, err := MidPrice(&a)
		if err != nil {
			t.Fatalf("mid: %v", err)
		}
		if mid != p {
			t.Errorf("price %d: mid = %d", p, mid)
		}
		k, _ := K(&a)
		if !k.Eq(liquidity(depth)) {
			t.Errorf("price %d: k = %s", p, k.Dec())
		}
		checkInvariants(t, &a, k)
	}
}

func TestInit_RejectsBadParameters(t *testing.T) {
	cases := []struct {
		name  string
		price int64
		liq   *uint256.Int
		want  errcode.Code
	}{
		{"price at floor", fp.MinAMMPrice, liquidity(depth), errcode.PriceBoundsExceeded},
		{"price at ceiling", fp.MaxAMMPrice, liquidity(depth), errcode.PriceBoundsExceeded},
		{"shallow", 500_000, uint256.NewInt(1_000_000), errcode.InvalidAMMReserves},
		{"too deep", 500_000, new(uint256.Int).Lsh(uint256.NewInt(1), 130), errcode.InvalidAMMReserves},
	}
	for _, c := range cases {
		_, err := Init(c.price, c.liq, 0, 10_000, 1)
		code, ok := errcode.CodeOf(err)
		if !ok || code != c.want {
			t.Errorf("%s: got %v, want %s", c.name, err, c.want)
		}
	}
}

// --- Swap ---

func TestSwap_LongPaysAboveMid(t *testing.T) {
	a := mustInit(t, 600_000, 0, 10_000)
	k, _ := K(&a)

	f, err := Swap(&a, model.Long, fp.BasePrecision)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if f.QuoteAmount != 600_600_602 {
		t.Errorf("quote amount = %d, want 600600602", f.QuoteAmount)
	}
	if f.Price != 600_600 {
		t.Errorf("avg price = %d, want 600600", f.Price)
	}
	if a.BaseAssetAmountWithAMM != fp.BasePrecision {
		t.Errorf("net with amm = %d", a.BaseAssetAmountWithAMM)
	}
	mid, _ := MidPrice(&a)
	if mid <= 600_000 {
		t.Errorf("buying should lift the mid, got %d", mid)
	}
	checkInvariants(t, &a, k)
}

func TestSwap_ShortReceivesBelowMid(t *testing.T) {
	a := mustInit(t, 600_000, 0, 10_000)
	k, _ := K(&a)

	f, err := Swap(&a, model.Short, fp.BasePrecision)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if f.Price >= 600_000 {
		t.Errorf("short avg price %d should be below 600000", f.Price)
	}
	if a.BaseAssetAmountWithAMM != -fp.BasePrecision {
		t.Errorf("net with amm = %d", a.BaseAssetAmountWithAMM)
	}
	checkInvariants(t, &a, k)
}

func TestSwap_RoundTripNeverPaysTrader(t *testing.T) {
	a := mustInit(t, 420_000, 1_000, 50_000)
	open, err := Swap(&a, model.Long, 25*fp.BasePrecision)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closeFill, err := Swap(&a, model.Short, 25*fp.BasePrecision)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closeFill.QuoteAmount > open.QuoteAmount {
		t.Errorf("round trip paid the trader: in %d out %d", open.QuoteAmount, closeFill.QuoteAmount)
	}
	if a.TotalFee <= 0 {
		t.Errorf("spread should accrue to total fee, got %d", a.TotalFee)
	}
}

func TestSwap_RejectsTradesPastBounds(t *testing.T) {
	a := mustInit(t, 600_000, 0, 10_000)
	before := a

	_, err := Swap(&a, model.Long, 300*fp.BasePrecision)
	if !errors.Is(err, errcode.ErrTradeSizeTooLarge) {
		t.Fatalf("long past ceiling: got %v", err)
	}
	_, err = Swap(&a, model.Long, depth)
	if !errors.Is(err, errcode.ErrInsufficientAMMLiquidity) {
		t.Fatalf("long draining reserve: got %v", err)
	}
	_, err = Swap(&a, model.Short, 5_000*fp.BasePrecision)
	if !errors.Is(err, errcode.ErrTradeSizeTooLarge) {
		t.Fatalf("short past floor: got %v", err)
	}
	if a != before {
		t.Error("rejected swaps must leave the curve untouched")
	}
}

func TestSwap_RandomWalkKeepsInvariants(t *testing.T) {
	a := mustInit(t, 500_000, 2_000, 40_000)
	k, _ := K(&a)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		dir := model.Long
		if rng.Intn(2) == 1 {
			dir = model.Short
		}
		size := rng.Int63n(80*fp.BasePrecision) + 1
		before := a
		_, err := Swap(&a, dir, size)
		if err != nil {
			if !errors.Is(err, errcode.ErrTradeSizeTooLarge) {
				t.Fatalf("step %d: unexpected error %v", i, err)
			}
			if a != before {
				t.Fatalf("step %d: rejected swap mutated the curve", i)
			}
			continue
		}
		checkInvariants(t, &a, k)
	}
}

func TestSimulate_DoesNotMutate(t *testing.T) {
	a := mustInit(t, 300_000, 0, 10_000)
	before := a
	if _, err := Simulate(&a, model.Long, fp.BasePrecision); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if a != before {
		t.Error("simulate changed the curve")
	}
}

// --- Spreads ---

func TestSpreads_SkewTowardExposure(t *testing.T) {
	a := mustInit(t, 500_000, 1_000, 20_000)
	if a.LongSpread != 500 || a.ShortSpread != 500 {
		t.Fatalf("resting spreads = %d/%d", a.LongSpread, a.ShortSpread)
	}
	if _, err := Swap(&a, model.Long, 10*fp.BasePrecision); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if a.LongSpread <= a.ShortSpread {
		t.Errorf("net-short AMM should widen the long side: %d/%d", a.LongSpread, a.ShortSpread)
	}
	if a.LongSpread > a.MaxSpread {
		t.Errorf("long spread %d above max %d", a.LongSpread, a.MaxSpread)
	}
	bid, _ := BidPrice(&a)
	ask, _ := AskPrice(&a)
	mid, _ := MidPrice(&a)
	if !(bid <= mid && mid < ask) {
		t.Errorf("quotes out of order: %d %d %d", bid, mid, ask)
	}
}

// --- TWAP ---

func TestFoldTWAP(t *testing.T) {
	cases := []struct {
		name                        string
		prev, price, last, now, win int64
		want                        int64
	}{
		{"half window", 500_000, 600_000, 100, 1_900, 3_600, 550_000},
		{"full window", 500_000, 600_000, 100, 10_000, 3_600, 600_000},
		{"same second", 500_000, 600_000, 100, 100, 3_600, 500_000},
		{"first observation", 0, 600_000, 0, 100, 300, 600_000},
	}
	for _, c := range cases {
		got, err := FoldTWAP(c.prev, c.price, c.last, c.now, c.win)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}
}

func TestUpdateMarkTWAP_RejectsEarlierTimestamp(t *testing.T) {
	a := mustInit(t, 500_000, 0, 10_000)
	err := UpdateMarkTWAP(&a, a.LastMarkPriceTWAPTs-1)
	if code, _ := errcode.CodeOf(err); code != errcode.OraclePriceStale {
		t.Fatalf("got %v", err)
	}
	if _, err := Swap(&a, model.Long, 50*fp.BasePrecision); err != nil {
		t.Fatal(err)
	}
	if err := UpdateMarkTWAP(&a, a.LastMarkPriceTWAPTs+300); err != nil {
		t.Fatal(err)
	}
	if a.LastMarkPriceTWAP5Min <= 500_000 || a.LastMarkPriceTWAP <= 500_000 {
		t.Errorf("twaps should move toward the new mid: 1h %d 5m %d", a.LastMarkPriceTWAP, a.LastMarkPriceTWAP5Min)
	}
	if a.LastMarkPriceTWAP5Min < a.LastMarkPriceTWAP {
		t.Errorf("5m twap should react faster: 1h %d 5m %d", a.LastMarkPriceTWAP, a.LastMarkPriceTWAP5Min)
	}
}

// --- Open interest ---

func TestOpenInterestDelta(t *testing.T) {
	cases := []struct{ old, new, dl, ds int64 }{
		{0, 5, 5, 0},
		{5, -3, -5, 3},
		{-3, -1, 0, -2},
		{2, 0, -2, 0},
	}
	for _, c := range cases {
		dl, ds := OpenInterestDelta(c.old, c.new)
		if dl != c.dl || ds != c.ds {
			t.Errorf("%d -> %d: got (%d, %d) want (%d, %d)", c.old, c.new, dl, ds, c.dl, c.ds)
		}
	}
}
