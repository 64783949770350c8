package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/predperp/perp-engine/internal/api"
	"github.com/predperp/perp-engine/internal/engine"
	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/events"
	"github.com/predperp/perp-engine/internal/model"
	"github.com/predperp/perp-engine/internal/store"
)

const (
	admin  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	oracle = "SysvarC1ock11111111111111111111111111111111"
	alice  = "67WKXSxm4oc149PvQjdXLacKFZpK5DyYdqBwpiVydJbb"
	bob    = "FnqbqF7YJekTNEMkZJMcujSouSfd4CzTacotg2LmSqeV"
	sol    = int64(1_000_000_000)
)

type testEnv struct {
	t      *testing.T
	router chi.Router
	now    atomic.Int64
}

// newTestEnv creates a Service over an in-memory store and mounts it the way
// the server does.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t}
	env.now.Store(1_700_000_000)
	eng := engine.New(engine.Config{
		Store:  store.NewMemoryStore(),
		Clock:  engine.ClockFunc(env.now.Load),
		Logger: zerolog.Nop(),
	})
	svc := api.NewService(eng, zerolog.Nop())

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	env.router = r
	return env
}

func (env *testEnv) do(method, path, signer string, body any) *httptest.ResponseRecorder {
	env.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(env.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if signer != "" {
		req.Header.Set(api.SignerHeader, signer)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) ok(w *httptest.ResponseRecorder, status int, dst any) {
	env.t.Helper()
	require.Equal(env.t, status, w.Code, w.Body.String())
	require.Equal(env.t, "application/json", w.Header().Get("Content-Type"))
	if dst != nil {
		require.NoError(env.t, json.Unmarshal(w.Body.Bytes(), dst))
	}
}

func (env *testEnv) fails(w *httptest.ResponseRecorder, status int, code errcode.Code) api.ErrorResponse {
	env.t.Helper()
	require.Equal(env.t, status, w.Code, w.Body.String())
	var resp api.ErrorResponse
	require.NoError(env.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(env.t, uint16(code), resp.Code)
	require.Equal(env.t, code.Name(), resp.Name)
	return resp
}

// seed initializes the exchange with one market and a funded alice.
func (env *testEnv) seed() {
	env.t.Helper()
	env.ok(env.do("POST", "/api/v1/state/initialize", admin, engine.InitializeParams{}), http.StatusCreated, nil)

	sqrtK := uint256.NewInt(10_000_000_000_000_000_000)
	var m model.Market
	env.ok(env.do("POST", "/api/v1/markets", admin, engine.AddMarketParams{
		Name:             "Rain in Lisbon",
		ExternalID:       "rain-lisbon-2026",
		Oracle:           model.MustPubkey(oracle),
		InitialPrice:     600_000,
		InitialLiquidity: model.NewReserve(new(uint256.Int).Mul(sqrtK, sqrtK)),
		MarketParams: engine.MarketParams{
			FundingPeriod:          3600,
			MarginRatioInitial:     1000,
			MarginRatioMaintenance: 625,
			MinOrderSize:           100,
			OrderTickSize:          100,
		},
	}), http.StatusCreated, &m)
	require.Equal(env.t, uint16(0), m.MarketIndex)

	env.ok(env.do("POST", "/api/v1/users", alice, api.InitializeUserRequest{Name: "alice"}), http.StatusCreated, nil)
	env.ok(env.do("POST", "/api/v1/users/"+alice+"/deposit", alice, api.AmountRequest{Amount: 5 * sol}), http.StatusOK, nil)
}

func TestTradeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seed()

	var placed engine.PlaceResult
	env.ok(env.do("POST", "/api/v1/users/"+alice+"/orders", alice, engine.OrderParams{
		MarketIndex:     0,
		OrderType:       model.OrderTypeMarket,
		Direction:       model.Long,
		BaseAssetAmount: sol,
	}), http.StatusCreated, &placed)
	require.NotNil(t, placed.Fill)
	require.Equal(t, model.OrderFilled, placed.Order.Status)
	require.Equal(t, sol, placed.Fill.Position.BaseAssetAmount)

	var quotes api.QuotesResponse
	env.ok(env.do("GET", "/api/v1/markets/0/quotes", "", nil), http.StatusOK, &quotes)
	require.True(t, quotes.Bid.LessThanOrEqual(quotes.Ask))
	require.Equal(t, "0.6", quotes.Oracle.String())

	var sum api.SummaryResponse
	env.ok(env.do("GET", "/api/v1/users/"+alice+"/summary", "", nil), http.StatusOK, &sum)
	require.Len(t, sum.Positions, 1)
	require.Equal(t, "5", sum.Display.Collateral.String())
	require.Positive(t, sum.MarginUsed)

	var closed engine.FillResult
	env.ok(env.do("POST", "/api/v1/users/"+alice+"/positions/0/close", alice, nil), http.StatusOK, &closed)
	require.Equal(t, model.FillClose, closed.Fill.Kind)
	require.Zero(t, closed.Position.BaseAssetAmount)

	var fills []model.FillRecord
	env.ok(env.do("GET", "/api/v1/users/"+alice+"/fills", "", nil), http.StatusOK, &fills)
	require.Len(t, fills, 2)
	env.ok(env.do("GET", "/api/v1/markets/0/fills", "", nil), http.StatusOK, &fills)
	require.Len(t, fills, 2)
	env.ok(env.do("GET", "/api/v1/users/"+bob+"/fills", "", nil), http.StatusOK, &fills)
	require.Empty(t, fills)
}

func TestRestingOrderFillAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.seed()

	params := engine.OrderParams{
		OrderType:       model.OrderTypeLimit,
		Direction:       model.Long,
		BaseAssetAmount: sol,
		Price:           700_000,
	}
	var placed engine.PlaceResult
	env.ok(env.do("POST", "/api/v1/users/"+alice+"/orders", alice, params), http.StatusCreated, &placed)
	require.Equal(t, model.OrderOpen, placed.Order.Status)
	require.Nil(t, placed.Fill)

	// A filler signs; an empty body fills the remainder.
	var filled engine.FillResult
	path := "/api/v1/users/" + alice + "/orders/" + itoa(placed.Order.OrderID)
	env.ok(env.do("POST", path+"/fill", bob, nil), http.StatusOK, &filled)
	require.Equal(t, model.OrderFilled, filled.Order.Status)
	require.Equal(t, model.MustPubkey(bob), filled.Fill.Filler)

	env.fails(env.do("DELETE", path, alice, nil), http.StatusConflict, errcode.OrderAlreadyFilled)

	params.Price = 100_000
	env.ok(env.do("POST", "/api/v1/users/"+alice+"/orders", alice, params), http.StatusCreated, &placed)
	var cancelled model.Order
	path = "/api/v1/users/" + alice + "/orders/" + itoa(placed.Order.OrderID)
	env.ok(env.do("DELETE", path, alice, nil), http.StatusOK, &cancelled)
	require.Equal(t, model.OrderCancelled, cancelled.Status)
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.seed()

	env.fails(env.do("POST", "/api/v1/state/paused", alice, api.PausedRequest{Paused: true}), http.StatusForbidden, errcode.InvalidAdmin)

	var st model.State
	env.ok(env.do("POST", "/api/v1/state/paused", admin, api.PausedRequest{Paused: true}), http.StatusOK, &st)
	require.True(t, st.ExchangePaused)
	env.fails(env.do("POST", "/api/v1/users/"+alice+"/orders", alice, engine.OrderParams{
		Direction: model.Long, BaseAssetAmount: sol,
	}), http.StatusConflict, errcode.ExchangePaused)
	env.ok(env.do("POST", "/api/v1/state/paused", admin, api.PausedRequest{Paused: false}), http.StatusOK, &st)

	var m model.Market
	env.ok(env.do("POST", "/api/v1/markets/0/status", admin, api.PausedRequest{Paused: true}), http.StatusOK, &m)
	require.Equal(t, model.MarketPaused, m.Status)
	env.ok(env.do("POST", "/api/v1/markets/0/oracle", oracle, api.OracleRequest{Price: 550_000}), http.StatusOK, &m)
	require.Equal(t, int64(550_000), m.OraclePrice)
	// The first update starts the oracle average at the reported price.
	require.Equal(t, int64(550_000), m.OracleTWAP)
	env.fails(env.do("POST", "/api/v1/markets/0/oracle", alice, api.OracleRequest{Price: 550_000}), http.StatusForbidden, errcode.InvalidOracle)

	var markets []model.Market
	env.ok(env.do("GET", "/api/v1/markets", "", nil), http.StatusOK, &markets)
	require.Len(t, markets, 1)
	env.fails(env.do("GET", "/api/v1/markets/7", "", nil), http.StatusNotFound, errcode.MarketNotFound)
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t)

	env.fails(env.do("GET", "/api/v1/state", "", nil), http.StatusNotFound, errcode.StateNotInitialized)
	env.seed()

	env.fails(env.do("POST", "/api/v1/users/"+alice+"/withdraw", "", api.AmountRequest{Amount: 1}), http.StatusUnauthorized, errcode.InvalidAuthority)
	env.fails(env.do("POST", "/api/v1/users/"+alice+"/withdraw", "not-a-key", api.AmountRequest{Amount: 1}), http.StatusUnauthorized, errcode.InvalidIdentity)
	env.fails(env.do("GET", "/api/v1/users/0OIl", "", nil), http.StatusBadRequest, errcode.InvalidIdentity)
	env.fails(env.do("GET", "/api/v1/markets/70000", "", nil), http.StatusBadRequest, errcode.InvalidMarketIndex)
	env.fails(env.do("DELETE", "/api/v1/users/"+alice+"/orders/0", alice, nil), http.StatusBadRequest, errcode.OrderNotFound)

	env.fails(env.do("GET", "/api/v1/users/"+bob, "", nil), http.StatusNotFound, errcode.UserNotInitialized)
	env.fails(env.do("POST", "/api/v1/users/"+alice+"/withdraw", bob, api.AmountRequest{Amount: 1}), http.StatusForbidden, errcode.InvalidAuthority)
	env.fails(env.do("POST", "/api/v1/users/"+alice+"/withdraw", alice, api.AmountRequest{Amount: 50 * sol}), http.StatusConflict, errcode.InsufficientCollateral)
	env.fails(env.do("POST", "/api/v1/users/"+alice+"/deposit", alice, api.AmountRequest{Amount: -1}), http.StatusUnprocessableEntity, errcode.InvalidAmount)

	req := httptest.NewRequest("POST", "/api/v1/users/"+alice+"/deposit", strings.NewReader(`{"amount":1,"memo":"x"}`))
	req.Header.Set(api.SignerHeader, alice)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid request body")
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		code errcode.Code
		want int
	}{
		{errcode.InvalidAdmin, http.StatusForbidden},
		{errcode.InvalidOracle, http.StatusForbidden},
		{errcode.PositionNotFound, http.StatusNotFound},
		{errcode.OrderSizeTooSmall, http.StatusUnprocessableEntity},
		{errcode.MathOverflow, http.StatusUnprocessableEntity},
		{errcode.InsufficientMargin, http.StatusConflict},
		{errcode.OraclePriceStale, http.StatusConflict},
		{errcode.ConcurrentUpdate, http.StatusConflict},
		{errcode.StorageFailure, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code.Name(), func(t *testing.T) {
			require.Equal(t, tt.want, api.StatusOf(tt.code))
		})
	}
}

func TestWSHubStreamsEvents(t *testing.T) {
	hub := api.NewWSHub("*", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Events published before the hub registers the client are dropped, so
	// keep publishing until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			hub.Publish(ctx, events.Event{Sequence: 9, Type: events.OrderFilled, Market: events.MarketRef(2), User: alice})
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, uint64(9), got.Sequence)
	require.Equal(t, events.OrderFilled, got.Type)
	require.Equal(t, uint16(2), *got.Market)
	require.Equal(t, alice, got.User)
}

func TestWSHubRejectsForeignOrigin(t *testing.T) {
	hub := api.NewWSHub("https://app.example", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func itoa(id uint32) string { return strconv.FormatUint(uint64(id), 10) }
