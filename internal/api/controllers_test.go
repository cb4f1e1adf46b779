package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"execution-core/internal/copytrade"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/platform"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	"execution-core/internal/testutil"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

const (
	testSecret   = "test-secret"
	testPassword = "operator-pass"
)

type stubRunner struct {
	tick strategy.TickOutcome
	due  strategy.DueSummary
}

func (r stubRunner) RunTick(_ context.Context, runID string, _ time.Time) strategy.TickOutcome {
	out := r.tick
	out.RunID = runID
	return out
}

func (r stubRunner) RunDue(context.Context, time.Time) (strategy.DueSummary, error) {
	return r.due, nil
}

type stubCopier struct {
	summary copytrade.Summary
	err     error
	got     copytrade.MasterTrade
}

func (s *stubCopier) Replicate(_ context.Context, _ string, trade copytrade.MasterTrade) (copytrade.Summary, error) {
	s.got = trade
	return s.summary, s.err
}

type stubAdapters struct{ adapter common.Adapter }

func (s stubAdapters) ForConnection(context.Context, db.ExchangeConnection) (common.Adapter, error) {
	return s.adapter, nil
}

type testEnv struct {
	srv     *httptest.Server
	db      *db.Database
	fake    *testutil.FakeAdapter
	copier  *stubCopier
	metrics *monitor.Metrics
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database := testutil.NewDB(t)
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	fake := &testutil.FakeAdapter{MarkPrice: 100, Available: 1000}
	copier := &stubCopier{}

	keys, err := crypto.NewKeyManagerWithKeys(map[int][]byte{1: bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("NewKeyManagerWithKeys: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	cfg := order.DefaultConfig()
	cfg.VerifyAfterPlace = false

	server := NewServer(Deps{
		DB:      database,
		Bus:     bus,
		Metrics: metrics,
		Gate:    risk.NewGate(database, risk.DefaultLimits()),
		Kill:    platform.NewKillSwitch(database, bus, metrics),
		Runner: stubRunner{
			tick: strategy.TickOutcome{Status: strategy.StatusError, Reason: strategy.ReasonStrategyNotFound},
			due:  strategy.DueSummary{Ran: 2, Skipped: 1},
		},
		Copier:   copier,
		Orders:   order.NewService(database, cfg, bus, metrics),
		Adapters: stubAdapters{adapter: fake},
		Keys:     keys,
		Auth:     AuthConfig{JWTSecret: testSecret, PasswordHash: string(hash)},
		Meta:     SystemMeta{Version: "test", StartedAt: time.Now()},
	})

	srv := httptest.NewServer(server.Router)
	t.Cleanup(srv.Close)

	token, err := generateToken(testSecret, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	return &testEnv{srv: srv, db: database, fake: fake, copier: copier, metrics: metrics, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, payload any, out any) int {
	t.Helper()
	return doJSONRequest(t, e.srv.URL+path, method, e.token, payload, out)
}

func doJSONRequest(t *testing.T, url, method, token string, payload any, out any) int {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) seedConnection(t *testing.T) db.ExchangeConnection {
	t.Helper()
	conn := testutil.ReadyConnection("c1", "u1")
	if err := e.db.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	return conn
}

func TestHealthAndAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	if code := doJSONRequest(t, env.srv.URL+"/health", http.MethodGet, "", nil, nil); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}

	var errResp map[string]string
	code := doJSONRequest(t, env.srv.URL+"/api/platform/kill-switch", http.MethodGet, "", nil, &errResp)
	if code != http.StatusUnauthorized || errResp["code"] != "MISSING_TOKEN" {
		t.Fatalf("expected MISSING_TOKEN 401, got %d %v", code, errResp)
	}

	code = doJSONRequest(t, env.srv.URL+"/api/platform/kill-switch", http.MethodGet, "garbage", nil, &errResp)
	if code != http.StatusUnauthorized || errResp["code"] != "INVALID_TOKEN" {
		t.Fatalf("expected INVALID_TOKEN 401, got %d %v", code, errResp)
	}
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t)

	var errResp map[string]string
	code := doJSONRequest(t, env.srv.URL+"/api/auth/token", http.MethodPost, "", map[string]string{"password": "wrong"}, &errResp)
	if code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", code)
	}

	var tok struct {
		Token string `json:"token"`
	}
	code = doJSONRequest(t, env.srv.URL+"/api/auth/token", http.MethodPost, "", map[string]string{"password": testPassword}, &tok)
	if code != http.StatusOK || tok.Token == "" {
		t.Fatalf("login failed: %d", code)
	}

	var ks map[string]bool
	if code := doJSONRequest(t, env.srv.URL+"/api/platform/kill-switch", http.MethodGet, tok.Token, nil, &ks); code != http.StatusOK {
		t.Fatalf("issued token rejected: %d", code)
	}
	if ks["enabled"] {
		t.Fatal("kill switch should default off")
	}
}

func TestTestOrderWritesOneAuditRow(t *testing.T) {
	env := newTestEnv(t)
	env.seedConnection(t)

	var res order.Result
	code := env.do(t, http.MethodPost, "/api/connections/c1/test-order", map[string]any{"symbol": "btc/usdt"}, &res)
	if code != http.StatusOK || !res.Success || res.AuditID == "" {
		t.Fatalf("test-order failed: %d %+v", code, res)
	}
	placed := env.fake.PlacedOrders()
	if len(placed) != 1 || placed[0].Symbol != "BTCUSDT" || placed[0].Qty != testOrderDefaultQty {
		t.Fatalf("unexpected placed orders: %+v", placed)
	}

	var rows []map[string]any
	if code := env.do(t, http.MethodGet, "/api/audit?user_id=u1", nil, &rows); code != http.StatusOK {
		t.Fatalf("audit status = %d", code)
	}
	if len(rows) != 1 || rows[0]["id"] != res.AuditID || rows[0]["source"] != string(order.SourceManualTest) {
		t.Fatalf("unexpected audit rows: %v", rows)
	}
}

func TestPlatformKillSwitchBlocksTestOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedConnection(t)

	var ks map[string]bool
	if code := env.do(t, http.MethodPut, "/api/platform/kill-switch", map[string]bool{"enabled": true}, &ks); code != http.StatusOK || !ks["enabled"] {
		t.Fatalf("set kill switch: %d %v", code, ks)
	}

	var errResp map[string]string
	code := env.do(t, http.MethodPost, "/api/connections/c1/test-order", map[string]any{"symbol": "BTCUSDT"}, &errResp)
	if code != http.StatusLocked || errResp["code"] != order.ReasonKillSwitchOn {
		t.Fatalf("expected 423 KILL_SWITCH_ON, got %d %v", code, errResp)
	}
	if len(env.fake.PlacedOrders()) != 0 {
		t.Fatal("order sent while kill switch on")
	}
	n, err := env.db.CountAudit(context.Background(), "u1")
	if err != nil || n != 0 {
		t.Fatalf("audit rows = %d, %v", n, err)
	}
}

func TestTestOrderUnknownConnection(t *testing.T) {
	env := newTestEnv(t)

	var errResp map[string]string
	code := env.do(t, http.MethodPost, "/api/connections/nope/test-order", map[string]any{"symbol": "BTCUSDT"}, &errResp)
	if code != http.StatusNotFound || errResp["code"] != "CONNECTION_NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", code, errResp)
	}
}

func TestCheckConnection(t *testing.T) {
	t.Run("success marks ok", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.seedConnection(t)
		if err := env.db.UpdateConnectionTestStatus(context.Background(), conn.ID, db.TestStatusUntested, ""); err != nil {
			t.Fatalf("reset status: %v", err)
		}

		var resp map[string]any
		code := env.do(t, http.MethodPost, "/api/connections/c1/check", nil, &resp)
		if code != http.StatusOK || resp["ok"] != true || resp["available_balance"] != float64(1000) {
			t.Fatalf("unexpected check response: %d %v", code, resp)
		}
		got, _ := env.db.GetConnection(context.Background(), "c1")
		if got.LastTestStatus != db.TestStatusOK {
			t.Fatalf("status = %s", got.LastTestStatus)
		}
	})

	t.Run("desync is classified and stored", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t)
		env.fake.BalanceErr = common.NewExchangeError(common.ExchangeBinance, common.MarketFutures, 400, "-1021",
			"Timestamp for this request is outside of the recvWindow.")

		var resp map[string]any
		code := env.do(t, http.MethodPost, "/api/connections/c1/check", nil, &resp)
		if code != http.StatusOK || resp["ok"] != false || resp["reason_code"] != "TIMESTAMP_DESYNC" {
			t.Fatalf("unexpected check response: %d %v", code, resp)
		}
		if env.fake.Invalidated != 1 {
			t.Fatalf("offset not invalidated: %d", env.fake.Invalidated)
		}
		got, _ := env.db.GetConnection(context.Background(), "c1")
		if got.LastTestStatus != db.TestStatusFailed || got.LastTestReason != "TIMESTAMP_DESYNC" {
			t.Fatalf("stored status = %s/%s", got.LastTestStatus, got.LastTestReason)
		}
	})
}

func TestCreateConnectionSealsCredentials(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{
		"user_id":         "u9",
		"exchange":        "Bybit",
		"environment":     "testnet",
		"api_key":         "plain-key-123",
		"api_secret":      "plain-secret-456",
		"futures_enabled": true,
	}
	var created map[string]any
	code := env.do(t, http.MethodPost, "/api/connections", payload, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status = %d %v", code, created)
	}
	raw, _ := json.Marshal(created)
	if strings.Contains(string(raw), "plain-secret-456") || strings.Contains(string(raw), "plain-key-123") {
		t.Fatalf("credentials echoed: %s", raw)
	}
	if created["last_test_status"] != db.TestStatusUntested || created["exchange"] != "bybit" {
		t.Fatalf("unexpected connection: %v", created)
	}

	stored, err := env.db.GetConnection(context.Background(), created["id"].(string))
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if !strings.HasPrefix(stored.CredentialsEncrypted, "ENC[") || strings.Contains(stored.CredentialsEncrypted, "plain-secret-456") {
		t.Fatalf("credentials not sealed: %q", stored.CredentialsEncrypted)
	}

	var list []map[string]any
	if code := env.do(t, http.MethodGet, "/api/connections?user_id=u9", nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %v", code, list)
	}
}

func TestCreateConnectionRejectsSpotMarket(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{
		"user_id":     "u9",
		"exchange":    "binance",
		"market_type": "spot",
		"api_key":     "k",
		"api_secret":  "s",
	}
	var errResp map[string]any
	if code := env.do(t, http.MethodPost, "/api/connections", payload, &errResp); code != http.StatusBadRequest {
		t.Fatalf("status = %d %v, want 400", code, errResp)
	}
	if errResp["code"] != "INVALID_REQUEST" {
		t.Fatalf("unexpected error: %v", errResp)
	}
	conns, err := env.db.ListConnectionsByUser(context.Background(), "u9")
	if err != nil || len(conns) != 0 {
		t.Fatalf("spot connection stored: %+v %v", conns, err)
	}
}

func TestTradeResultFeedsRiskGate(t *testing.T) {
	env := newTestEnv(t)

	var state map[string]any
	code := env.do(t, http.MethodPost, "/api/risk/u1/trade-result", map[string]any{
		"side": "BUY", "qty": 2, "entry_price": 100, "exit_price": 90,
	}, &state)
	if code != http.StatusOK || state["pnl_usdt"] != float64(-20) || state["consecutive_losses"] != float64(1) {
		t.Fatalf("unexpected state: %d %v", code, state)
	}

	for i := 0; i < 2; i++ {
		code = env.do(t, http.MethodPost, "/api/risk/u1/trade-result", map[string]any{"pnl_usdt": -1}, &state)
		if code != http.StatusOK {
			t.Fatalf("trade-result status = %d", code)
		}
	}
	if state["is_paused"] != true || state["paused_reason"] != risk.ReasonMaxConsecutiveLosses {
		t.Fatalf("expected pause after three losses: %v", state)
	}

	var view struct {
		Decision risk.Decision `json:"decision"`
	}
	if code := env.do(t, http.MethodGet, "/api/risk/u1", nil, &view); code != http.StatusOK || view.Decision.Allowed {
		t.Fatalf("expected blocked decision: %d %+v", code, view.Decision)
	}
}

func TestPauseRisk(t *testing.T) {
	env := newTestEnv(t)

	var errResp map[string]string
	if code := env.do(t, http.MethodPost, "/api/risk/u2/pause", map[string]any{"until": "yesterday"}, &errResp); code != http.StatusBadRequest {
		t.Fatalf("bad until status = %d", code)
	}

	var state map[string]any
	code := env.do(t, http.MethodPost, "/api/risk/u2/pause", map[string]any{"reason": "ops", "minutes": 30}, &state)
	if code != http.StatusOK || state["is_paused"] != true || state["paused_reason"] != "ops" {
		t.Fatalf("pause failed: %d %v", code, state)
	}
}

func TestReplicate(t *testing.T) {
	env := newTestEnv(t)
	env.copier.summary = copytrade.Summary{Replicated: 2, Errors: []string{"follower B: no eligible connection"}}

	var sum copytrade.Summary
	code := env.do(t, http.MethodPost, "/api/copy/m1/replicate", map[string]any{
		"exchange": "binance", "symbol": "eth-usdt", "side": "sell", "qty": 1.5,
	}, &sum)
	if code != http.StatusOK || sum.Replicated != 2 || len(sum.Errors) != 1 {
		t.Fatalf("unexpected summary: %d %+v", code, sum)
	}
	if env.copier.got.Symbol != "ETHUSDT" || env.copier.got.Side != common.SideSell || env.copier.got.MarketType != "futures" {
		t.Fatalf("trade not normalized: %+v", env.copier.got)
	}

	var errResp map[string]string
	if code := env.do(t, http.MethodPost, "/api/copy/m1/replicate", map[string]any{"exchange": "kraken", "symbol": "BTCUSDT", "side": "BUY", "qty": 1}, &errResp); code != http.StatusBadRequest {
		t.Fatalf("unsupported exchange status = %d", code)
	}

	env.copier.err = copytrade.ErrKillSwitchOn
	code = env.do(t, http.MethodPost, "/api/copy/m1/replicate", map[string]any{
		"exchange": "binance", "symbol": "BTCUSDT", "side": "BUY", "qty": 1,
	}, &errResp)
	if code != http.StatusLocked {
		t.Fatalf("kill switch status = %d", code)
	}
}

func TestStrategyRoutes(t *testing.T) {
	env := newTestEnv(t)

	var out strategy.TickOutcome
	if code := env.do(t, http.MethodPost, "/api/strategies/missing/tick", nil, &out); code != http.StatusNotFound || out.RunID != "missing" {
		t.Fatalf("tick: %d %+v", code, out)
	}

	var due strategy.DueSummary
	if code := env.do(t, http.MethodPost, "/api/strategies/run-due", nil, &due); code != http.StatusOK || due.Ran != 2 {
		t.Fatalf("run-due: %d %+v", code, due)
	}
}

func TestPrometheusEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t)
	_ = doJSONRequest(t, env.srv.URL+"/health", http.MethodGet, "", nil, nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `http_requests_total{code="2xx"}`) {
		t.Fatalf("missing api counter in:\n%s", body)
	}
	if env.metrics.System.GetSnapshot().APIRequests == 0 {
		t.Fatal("snapshot did not count requests")
	}
}
