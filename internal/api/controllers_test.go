package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tradebridge/internal/autotrade"
	"tradebridge/internal/events"
	"tradebridge/internal/execution"
	"tradebridge/internal/reconcile"
	"tradebridge/internal/session"
	"tradebridge/pkg/db"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	err = database.UpsertAccount(context.Background(), db.Account{
		ID: "acct-1", MaxOpenPositions: 5, MaxDailyTrades: 10,
	})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	bus := events.NewBus()
	registry := session.NewRegistry(bus, 30*time.Second, 3)
	reconciler := reconcile.NewEngine(database, bus, nil, 0)
	exec := execution.NewService(database, bus, registry, reconciler, 500*time.Millisecond)

	return NewServer(bus, database, registry, exec, reconciler, autotrade.NewSpreadTable(),
		"test-secret", "test-admin", 30*time.Second, time.Second)
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func operatorLogin(t *testing.T, s *Server) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/auth/token", "", map[string]string{"admin_key": "test-admin"})
	if w.Code != http.StatusOK {
		t.Fatalf("operator token: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: status %d", w.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	if w := doJSON(t, s, http.MethodGet, "/api/sessions", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, "/api/sessions", "not-a-jwt", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", w.Code)
	}

	token := operatorLogin(t, s)
	if w := doJSON(t, s, http.MethodGet, "/api/sessions", token, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with operator token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOperatorTokenRejectsBadKey(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/auth/token", "", map[string]string{"admin_key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestConnectorTokenRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := operatorLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/auth/connector-token", token, map[string]string{"account": "acct-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("mint connector token: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	account, err := ValidateConnectorToken(resp.Token, "test-secret")
	if err != nil {
		t.Fatalf("ValidateConnectorToken: %v", err)
	}
	if account != "acct-1" {
		t.Fatalf("token bound to %q, want acct-1", account)
	}

	// An operator token must not pass as a connector token.
	if _, err := ValidateConnectorToken(token, "test-secret"); err == nil {
		t.Fatal("operator token must be rejected on the connector channel")
	}
}

func TestOpenTradeValidationError(t *testing.T) {
	s := newTestServer(t)
	token := operatorLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/trades/open", token, map[string]any{
		"account": "acct-1", "symbol": "eurusd!!", "side": "BUY", "qty": 0.1,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", resp.Code)
	}
}

func TestOpenTradeWithoutConnector(t *testing.T) {
	s := newTestServer(t)
	token := operatorLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/trades/open", token, map[string]any{
		"account": "acct-1", "symbol": "EURUSD", "side": "BUY", "qty": 0.1,
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "NO_ACTIVE_CONNECTION" {
		t.Fatalf("expected NO_ACTIVE_CONNECTION, got %s", resp.Code)
	}

	// The provisional record must have rolled back to FAILED_OPEN.
	trades, err := s.DB.ListTrades(context.Background(), "acct-1", 10)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].State != db.StateFailedOpen {
		t.Fatalf("expected one FAILED_OPEN trade, got %+v", trades)
	}
}

func TestListEndpointsRequireAccount(t *testing.T) {
	s := newTestServer(t)
	token := operatorLogin(t, s)

	for _, path := range []string{"/api/trades", "/api/positions", "/api/autotrade/log"} {
		if w := doJSON(t, s, http.MethodGet, path, token, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 without account, got %d", path, w.Code)
		}
		if w := doJSON(t, s, http.MethodGet, path+"?account=acct-1", token, nil); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 with account, got %d: %s", path, w.Code, w.Body.String())
		}
	}
}
