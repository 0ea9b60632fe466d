package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-ledger/internal/api"
	"github.com/atmx/perp-ledger/internal/collateral"
	"github.com/atmx/perp-ledger/internal/controller"
	"github.com/atmx/perp-ledger/internal/curve"
	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/metrics"
	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/store"
)

const (
	ticker  = "PERP-ETH-USD-LONG"
	owner   = "owner"
	invoker = "invoker"
	admin   = "admin"
	base    = "/api/v1/products/" + ticker
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func params() model.Parameters {
	return model.Parameters{
		Maintenance: d(0.1),
		MakerLimit:  d(1000),
		UtilizationCurve: curve.JumpRate{
			MinRate:           decimal.Zero,
			MaxRate:           decimal.Zero,
			TargetRate:        decimal.Zero,
			TargetUtilization: d(0.8),
		},
	}
}

type testEnv struct {
	svc    *api.Service
	ctrl   *controller.Static
	ledger *collateral.Ledger
	rec    *events.Recorder
	router chi.Router
}

// newTestEnv creates a Service over an in-memory store with one product
// already listed.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl, err := controller.NewStatic(controller.Config{
		MultiInvoker: invoker,
		Collateral:   "collateral",
		Admin:        admin,
	})
	require.NoError(t, err)
	ledger := collateral.NewLedger("collateral")
	rec := &events.Recorder{}
	svc := api.NewService(store.NewMemoryStore(), ctrl, ledger, nil, rec)

	_, err = svc.AddMarket(context.Background(), ticker, owner, params(), false)
	require.NoError(t, err)

	r := chi.NewRouter()
	svc.Routes(r)
	return &testEnv{svc: svc, ctrl: ctrl, ledger: ledger, rec: rec, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) push(t *testing.T, price float64, ts int64) {
	t.Helper()
	w := e.do(t, "POST", base+"/prices", "", api.PriceRequest{Price: d(price), Timestamp: ts})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (e *testEnv) deposit(t *testing.T, account string, amount float64) {
	t.Helper()
	w := e.do(t, "POST", base+"/accounts/"+account+"/deposit", account, api.AmountRequest{Amount: d(amount)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (e *testEnv) change(t *testing.T, caller, account string, side model.Side, action string, amount float64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", base+"/accounts/"+account+"/positions", caller,
		api.PositionRequest{Side: side, Action: action, Amount: d(amount)})
}

func (e *testEnv) account(t *testing.T, account string) api.AccountResponse {
	t.Helper()
	w := e.do(t, "GET", base+"/accounts/"+account, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.AccountResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body["code"]
}

// --- Product tests ---

func TestCreateProduct_Valid(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/products", "", api.CreateProductRequest{
		Ticker:     "PERP-BTC-USD-SHORT",
		Owner:      owner,
		Parameters: params(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp api.ProductResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "PERP-BTC-USD-SHORT", resp.ID)
	assert.Equal(t, "BTC", resp.Base)
	assert.Equal(t, "SHORT", resp.Direction)
	assert.Equal(t, int64(0), resp.LatestVersion)

	w = e.do(t, "GET", "/api/v1/products", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list map[string][]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, []string{"PERP-BTC-USD-SHORT", ticker}, list["products"])
}

func TestCreateProduct_Rejected(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		req  api.CreateProductRequest
		want int
	}{
		{"invalid ticker", api.CreateProductRequest{Ticker: "ETH-USD", Owner: owner, Parameters: params()}, http.StatusBadRequest},
		{"missing owner", api.CreateProductRequest{Ticker: "PERP-SOL-USD-LONG", Parameters: params()}, http.StatusBadRequest},
		{"duplicate", api.CreateProductRequest{Ticker: ticker, Owner: owner, Parameters: params()}, http.StatusConflict},
		{"invalid maintenance", api.CreateProductRequest{Ticker: "PERP-SOL-USD-LONG", Owner: owner, Parameters: func() model.Parameters {
			p := params()
			p.Maintenance = d(-1)
			return p
		}()}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", "/api/v1/products", "", tt.req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestGetProduct_NotFound(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "GET", "/api/v1/products/PERP-XRP-USD-LONG", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_product", errorCode(t, w))
}

func TestPushPrice_Regressed(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 2000)

	w := e.do(t, "POST", base+"/prices", "", api.PriceRequest{Price: d(100), Timestamp: 1000})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "timestamp_regressed", errorCode(t, w))

	w = e.do(t, "POST", base+"/prices", "", api.PriceRequest{Price: d(0), Timestamp: 3000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Position tests ---

func TestChangePosition_PnLSettlesToCollateral(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)
	e.deposit(t, "maker", 1000)
	e.deposit(t, "taker", 1000)

	w := e.change(t, "maker", "maker", model.Maker, "open", 10)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.change(t, "taker", "taker", model.Taker, "open", 5)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var receipt struct {
		Account string          `json:"account"`
		Version int64           `json:"version"`
		Amount  decimal.Decimal `json:"amount"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&receipt))
	assert.Equal(t, "taker", receipt.Account)
	assert.Equal(t, int64(1), receipt.Version)
	assert.True(t, receipt.Amount.Equal(d(5)))

	// The pending changes fold at version 2; the move from 100 to 110 is
	// the first window the new positions are exposed to.
	e.push(t, 100, 4600)
	e.push(t, 110, 8200)

	for _, acct := range []string{"maker", "taker"} {
		w = e.do(t, "POST", base+"/accounts/"+acct+"/settle", "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	assert.Len(t, e.rec.OfType(events.TypeMakeOpened), 1)
	assert.Len(t, e.rec.OfType(events.TypeTakeOpened), 1)
	assert.NotEmpty(t, e.rec.OfType(events.TypePositionAccumulated))

	taker := e.account(t, "taker")
	assert.True(t, taker.Balance.Equal(d(1050)), "taker balance = %s", taker.Balance)
	assert.True(t, taker.Position.Taker.Equal(d(5)))
	assert.Equal(t, int64(3), taker.LatestVersion)

	maker := e.account(t, "maker")
	assert.True(t, maker.Balance.Equal(d(950)), "maker balance = %s", maker.Balance)
	assert.True(t, maker.Maintenance.Equal(d(110)), "maker maintenance = %s", maker.Maintenance)
}

func TestChangePosition_Rejections(t *testing.T) {
	e := newTestEnv(t)

	// Before any price the oracle is still bootstrapping.
	e.deposit(t, "alice", 1000)
	w := e.change(t, "alice", "alice", model.Maker, "open", 1)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "oracle_bootstrapping", errorCode(t, w))

	e.push(t, 100, 1000)
	require.Equal(t, http.StatusOK, e.change(t, "alice", "alice", model.Maker, "open", 1).Code)

	tests := []struct {
		name   string
		caller string
		req    api.PositionRequest
		status int
		code   string
	}{
		{"missing caller", "", api.PositionRequest{Side: model.Maker, Action: "open", Amount: d(1)}, http.StatusUnauthorized, ""},
		{"stranger", "mallory", api.PositionRequest{Side: model.Maker, Action: "open", Amount: d(1)}, http.StatusForbidden, "not_account_or_delegate"},
		{"bad side", "alice", api.PositionRequest{Side: "both", Action: "open", Amount: d(1)}, http.StatusBadRequest, ""},
		{"bad action", "alice", api.PositionRequest{Side: model.Maker, Action: "flip", Amount: d(1)}, http.StatusBadRequest, ""},
		{"zero amount", "alice", api.PositionRequest{Side: model.Maker, Action: "open", Amount: decimal.Zero}, http.StatusBadRequest, "invalid_amount"},
		{"double sided", "alice", api.PositionRequest{Side: model.Taker, Action: "open", Amount: d(1)}, http.StatusConflict, "double_sided"},
		{"over closed", "alice", api.PositionRequest{Side: model.Maker, Action: "close", Amount: d(2)}, http.StatusConflict, "over_closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", base+"/accounts/alice/positions", tt.caller, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, w))
			}
		})
	}
}

func TestChangePosition_Delegate(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)
	e.deposit(t, "alice", 1000)

	w := e.change(t, invoker, "alice", model.Maker, "open", 3)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	alice := e.account(t, "alice")
	assert.True(t, alice.Pre.OpenPosition.Maker.Equal(d(3)), "pre = %+v", alice.Pre)
}

func TestChangePosition_Paused(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)
	e.deposit(t, "alice", 1000)
	w := e.do(t, "PUT", "/api/v1/controller/paused", admin, api.ParameterRequest{Value: json.RawMessage(`true`)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.change(t, "alice", "alice", model.Maker, "open", 1)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "paused", errorCode(t, w))

	w = e.do(t, "PUT", "/api/v1/controller/paused", admin, api.ParameterRequest{Value: json.RawMessage(`false`)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusOK, e.change(t, "alice", "alice", model.Maker, "open", 1).Code)
}

func TestUpdateController(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name    string
		caller  string
		setting string
		value   string
		status  int
	}{
		{"missing caller", "", "paused", `true`, http.StatusUnauthorized},
		{"not admin", owner, "paused", `true`, http.StatusForbidden},
		{"fee", admin, "min_funding_fee", `"0.2"`, http.StatusOK},
		{"fee out of range", admin, "min_funding_fee", `"2"`, http.StatusBadRequest},
		{"not a bool", admin, "paused", `"yes"`, http.StatusBadRequest},
		{"unknown", admin, "leverage", `1`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "PUT", "/api/v1/controller/"+tt.setting, tt.caller, api.ParameterRequest{Value: json.RawMessage(tt.value)})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	fee, err := e.ctrl.MinFundingFee(context.Background())
	require.NoError(t, err)
	assert.True(t, fee.Equal(d(0.2)), "fee = %s", fee)
}

// --- Collateral tests ---

func TestWithdraw(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)
	e.deposit(t, "alice", 100)

	w := e.do(t, "POST", base+"/accounts/alice/withdraw", "mallory", api.AmountRequest{Amount: d(10)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "POST", base+"/accounts/alice/withdraw", "alice", api.AmountRequest{Amount: d(40)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, e.account(t, "alice").Balance.Equal(d(60)))

	w = e.do(t, "POST", base+"/accounts/alice/deposit", "alice", api.AmountRequest{Amount: d(-5)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWithdraw_UnderMaintenance(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)
	e.deposit(t, "maker", 1000)
	e.deposit(t, "alice", 100)
	require.Equal(t, http.StatusOK, e.change(t, "maker", "maker", model.Maker, "open", 10).Code)
	require.Equal(t, http.StatusOK, e.change(t, "alice", "alice", model.Taker, "open", 5).Code)

	// Maintenance next is 5 * 100 * 0.1 = 50.
	w := e.do(t, "POST", base+"/accounts/alice/withdraw", "alice", api.AmountRequest{Amount: d(60)})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient_balance", errorCode(t, w))
}

func TestLiquidate_NotLiquidatable(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)
	e.deposit(t, "alice", 100)

	w := e.do(t, "POST", base+"/accounts/alice/liquidate", "keeper", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_liquidatable", errorCode(t, w))
}

// --- Parameter tests ---

func TestUpdateParameter(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)

	tests := []struct {
		name   string
		caller string
		param  string
		value  any
		status int
	}{
		{"not owner", "mallory", "maker_fee", "0.01", http.StatusForbidden},
		{"maker fee", owner, "maker_fee", "0.01", http.StatusOK},
		{"fee out of range", owner, "taker_fee", "1.5", http.StatusBadRequest},
		{"not a decimal", owner, "maintenance", true, http.StatusBadRequest},
		{"closed", owner, "closed", true, http.StatusOK},
		{"bad curve", owner, "utilization_curve", curve.JumpRate{TargetUtilization: d(1.5)}, http.StatusBadRequest},
		{"unknown", owner, "leverage", "2", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.value)
			require.NoError(t, err)
			w := e.do(t, "PUT", base+"/parameters/"+tt.param, tt.caller, api.ParameterRequest{Value: raw})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := e.do(t, "GET", base, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.ProductResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Parameters.MakerFee.Applied.Equal(d(0.01)))
	assert.True(t, resp.Parameters.Closed)
}

// --- Read model tests ---

func TestGetVersion(t *testing.T) {
	e := newTestEnv(t)
	e.push(t, 100, 1000)
	require.Equal(t, http.StatusOK, e.do(t, "POST", base+"/settle", "", nil).Code)

	w := e.do(t, "GET", base+"/versions/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.VersionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.Version)
	assert.True(t, resp.Position.IsEmpty())

	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", base+"/versions/99", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", base+"/versions/-1", "", nil).Code)
}

func TestGetRate(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "GET", base+"/rate?maker=10&taker=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Rate decimal.Decimal `json:"rate_per_second"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Rate.IsZero())

	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", base+"/rate?taker=-1", "", nil).Code)
}

// --- WebSocket tests ---

func TestWSHub_StreamsEvents(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	r := chi.NewRouter()
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	before := testutil.ToFloat64(metrics.WebSocketClients)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) > before
	}, time.Second, 10*time.Millisecond)

	hub.Publish(events.New(events.TypeSettle, ticker, events.Settled{FromVersion: 1, ToVersion: 2}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got events.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, events.TypeSettle, got.Type)
	assert.Equal(t, ticker, got.Product)
}
