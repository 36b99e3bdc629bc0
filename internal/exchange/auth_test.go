package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/tgparkk/StockBot-sub002/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newAuthServer serves the two token endpoints and counts issue requests.
func newAuthServer(t *testing.T, tokenCalls, approvalCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-abc",
			"expires_in":   86400,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		approvalCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "appr-xyz"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestTokenManager(t *testing.T, baseURL string) *TokenManager {
	t.Helper()
	return NewTokenManager(config.BrokerConfig{
		AppKey:    "key",
		AppSecret: "secret",
		BaseURL:   baseURL,
	}, testLogger())
}

func TestTokenIsCached(t *testing.T) {
	t.Parallel()
	var tokenCalls, approvalCalls atomic.Int64
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	tm := newTestTokenManager(t, srv.URL)

	for i := 0; i < 3; i++ {
		tok, err := tm.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "tok-abc" {
			t.Fatalf("token = %q, want tok-abc", tok)
		}
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
}

func TestInvalidateForcesReissue(t *testing.T) {
	t.Parallel()
	var tokenCalls, approvalCalls atomic.Int64
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	tm := newTestTokenManager(t, srv.URL)

	if _, err := tm.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	tm.Invalidate()
	if _, err := tm.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := tokenCalls.Load(); n != 2 {
		t.Errorf("token endpoint hit %d times, want 2 after invalidate", n)
	}
}

func TestApprovalKeyRefresh(t *testing.T) {
	t.Parallel()
	var tokenCalls, approvalCalls atomic.Int64
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	tm := newTestTokenManager(t, srv.URL)

	key, err := tm.ApprovalKey(context.Background(), false)
	if err != nil {
		t.Fatalf("ApprovalKey: %v", err)
	}
	if key != "appr-xyz" {
		t.Errorf("approval key = %q, want appr-xyz", key)
	}

	// Cached without refresh, re-issued with refresh.
	if _, err := tm.ApprovalKey(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if n := approvalCalls.Load(); n != 1 {
		t.Errorf("approval endpoint hit %d times, want 1", n)
	}
	if _, err := tm.ApprovalKey(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if n := approvalCalls.Load(); n != 2 {
		t.Errorf("approval endpoint hit %d times, want 2 after refresh", n)
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()
	var tokenCalls, approvalCalls atomic.Int64
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	tm := newTestTokenManager(t, srv.URL)

	h, err := tm.authHeaders(context.Background(), "FHKST01010100")
	if err != nil {
		t.Fatalf("authHeaders: %v", err)
	}
	if h["authorization"] != "Bearer tok-abc" {
		t.Errorf("authorization = %q", h["authorization"])
	}
	if h["tr_id"] != "FHKST01010100" {
		t.Errorf("tr_id = %q", h["tr_id"])
	}
	if h["appkey"] != "key" || h["appsecret"] != "secret" {
		t.Errorf("app credentials not set: %v", h)
	}
	if h["custtype"] != "P" {
		t.Errorf("custtype = %q, want P", h["custtype"])
	}
}
