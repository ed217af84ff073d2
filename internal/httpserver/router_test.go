package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lv-simtrade/internal/admin"
	"lv-simtrade/internal/auth"
	"lv-simtrade/internal/orders"
	"lv-simtrade/internal/pricesim"
	"lv-simtrade/internal/risk"
	"lv-simtrade/internal/storage"
	"lv-simtrade/internal/wallet"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAdminKey      = "admin-key"
	testInternalToken = "internal-token"
)

type testServer struct {
	srv  *httptest.Server
	auth *auth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	store := storage.NewMemoryStore()
	if err := storage.Seed(ctx, store, storage.DefaultInstruments()); err != nil {
		t.Fatal(err)
	}
	engine := pricesim.NewEngine(log, 400)
	t.Cleanup(engine.Close)
	riskEng := risk.NewEngine(log, store, engine.GetPrice, 50, 100, 10*time.Millisecond)
	t.Cleanup(riskEng.Close)
	orderSvc := orders.NewService(log, store, engine, 50)
	riskEng.Bind(orderSvc)
	walletSvc := wallet.NewService(log, store, engine.GetPrice)
	authSvc := auth.NewService("lv-simtrade", "test-secret", time.Hour)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	router := NewRouter(RouterDeps{
		PriceHandler:  pricesim.NewHandler(log, engine, riskEng),
		OrderHandler:  orders.NewHandler(orderSvc),
		WalletHandler: wallet.NewHandler(walletSvc),
		AdminHandler:  admin.NewHandler(store, walletSvc),
		AuthService:   authSvc,
		InternalToken: testInternalToken,
		AdminKeyHash:  string(hash),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, auth: authSvc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (ts *testServer) userHeaders(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := ts.auth.IssueToken(userID)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Key": testAdminKey}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/v1/wallet/overview", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/v1/wallet/overview", nil, map[string]string{"Authorization": "Bearer junk"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminAndInternalAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/v1/admin/prices/XAUUSD/spot", map[string]any{"price": 2400}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no admin key status = %d, want 401", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPost, "/v1/admin/prices/XAUUSD/spot", map[string]any{"price": 2400},
		map[string]string{"X-Admin-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong admin key status = %d, want 401", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPost, "/v1/internal/tv/prices", map[string]any{"items": []any{}}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no internal token status = %d, want 401", resp.StatusCode)
	}
}

func TestTradeFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	user := ts.userHeaders(t, "u1")

	// Feed a price through the internal ingestion endpoint.
	resp, body := ts.do(t, http.MethodPost, "/v1/internal/tv/prices", map[string]any{
		"items": []map[string]any{{"symbol": "XAUUSD", "last": 2400.0, "change_pct": 0.5}},
	}, map[string]string{"X-Internal-Token": testInternalToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tv ingest status = %d (%v)", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodGet, "/v1/prices/XAUUSD", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get price status = %d", resp.StatusCode)
	}
	if body["price"].(float64) != 2400 {
		t.Errorf("price = %v, want 2400", body["price"])
	}

	// Fund, open, inspect, close.
	resp, _ = ts.do(t, http.MethodPost, "/v1/wallet/deposit", map[string]any{"amount": "100"}, user)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"symbol": "XAUUSD", "side": "BUY", "qty_lot": "0.01", "price": "2400",
	}, user)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open status = %d (%v)", resp.StatusCode, body)
	}
	pos := body["position"].(map[string]any)
	posID := pos["id"].(string)
	if pos["margin_usd"].(string) != "6" {
		t.Errorf("margin = %v, want 6", pos["margin_usd"])
	}

	resp, body = ts.do(t, http.MethodGet, "/v1/wallet/overview", nil, user)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview status = %d", resp.StatusCode)
	}
	if body["used_margin"].(string) != "6" {
		t.Errorf("used_margin = %v, want 6", body["used_margin"])
	}

	resp, body = ts.do(t, http.MethodPost, fmt.Sprintf("/v1/orders/%s/close", posID), map[string]any{"price": "2410"}, user)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d (%v)", resp.StatusCode, body)
	}
	if body["realized_pnl"].(string) != "10" {
		t.Errorf("realized_pnl = %v, want 10", body["realized_pnl"])
	}
	if body["balance"].(string) != "110" {
		t.Errorf("balance = %v, want 110", body["balance"])
	}
}

func TestOpenRejectionCodesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	user := ts.userHeaders(t, "u1")

	resp, body := ts.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"symbol": "XAUUSD", "side": "BUY", "qty_lot": "0.01",
	}, user)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing price status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "PRICE_REQUIRED" {
		t.Errorf("code = %v, want PRICE_REQUIRED", body["code"])
	}

	resp, body = ts.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"symbol": "NOPE", "side": "BUY", "qty_lot": "0.01", "price": "1",
	}, user)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown symbol status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != "INSTRUMENT_NOT_FOUND" {
		t.Errorf("code = %v, want INSTRUMENT_NOT_FOUND", body["code"])
	}
}

func TestAdminPriceVerbsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/admin/prices/XAUUSD/spot", map[string]any{"price": 2490.0}, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("spot status = %d (%v)", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodPost, "/v1/admin/prices/XAUUSD/drift-to-target", map[string]any{
		"target": 2500.0, "interval_sec": 300, "tick_size": 1.0,
	}, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drift status = %d (%v)", resp.StatusCode, body)
	}
	if body["mode"] != "TO_TARGET" {
		t.Errorf("mode = %v, want TO_TARGET", body["mode"])
	}
	if body["target"].(float64) != 2500 {
		t.Errorf("target = %v, want 2500", body["target"])
	}

	resp, body = ts.do(t, http.MethodGet, "/v1/admin/prices/XAUUSD/state", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", resp.StatusCode)
	}
	if body["mode"] != "TO_TARGET" {
		t.Errorf("state mode = %v, want TO_TARGET", body["mode"])
	}

	resp, body = ts.do(t, http.MethodPost, "/v1/admin/prices/XAUUSD/leverage", map[string]any{"leverage": 100}, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set leverage status = %d", resp.StatusCode)
	}
	resp, body = ts.do(t, http.MethodGet, "/v1/admin/prices/XAUUSD/leverage", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK || body["leverage"].(float64) != 100 {
		t.Errorf("leverage = %v (status %d), want 100", body["leverage"], resp.StatusCode)
	}
}
