// auth.go manages the broker OpenAPI credentials.
//
// The broker uses two tokens with different lifetimes:
//
//   - Access token: Bearer token for every REST call, valid ~24h. Issued by
//     POST /oauth2/tokenP from the app key/secret pair. The broker rejects
//     re-issue requests made less than a minute apart, so the token is cached
//     and refreshed lazily shortly before expiry.
//
//   - Approval key: a WebSocket session key issued by POST /oauth2/Approval.
//     Sent inside every realtime subscribe frame. Does not expire on a fixed
//     schedule but is re-fetched on each stream connect.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// renewMargin renews the access token this long before its reported expiry.
const renewMargin = 10 * time.Minute

// TokenManager issues and caches broker auth material. Safe for concurrent
// use; refresh happens under a mutex so only one caller hits the token
// endpoint at a time.
type TokenManager struct {
	http      *resty.Client
	appKey    string
	appSecret string
	logger    *slog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	approvalKey string
}

// NewTokenManager creates a token manager against the configured broker host.
func NewTokenManager(cfg config.BrokerConfig, logger *slog.Logger) *TokenManager {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &TokenManager{
		http:      httpClient,
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		logger:    logger.With("component", "auth"),
	}
}

// Token returns a valid access token, refreshing it when it is missing or
// inside the renewal margin.
func (t *TokenManager) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.expiresAt.Add(-renewMargin)) {
		return t.accessToken, nil
	}
	if err := t.refreshLocked(ctx); err != nil {
		return "", err
	}
	return t.accessToken, nil
}

// Invalidate drops the cached access token so the next Token call re-issues.
// Called when the broker reports the token expired mid-session.
func (t *TokenManager) Invalidate() {
	t.mu.Lock()
	t.accessToken = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

func (t *TokenManager) refreshLocked(ctx context.Context) error {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     t.appKey,
		"appsecret":  t.appSecret,
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return types.WrapError(types.ErrTransport, err, "issue access token")
	}
	if resp.StatusCode() != http.StatusOK || result.AccessToken == "" {
		return types.NewError(types.ErrBrokerRejected,
			"issue access token: status %d: %s", resp.StatusCode(), resp.String())
	}

	t.accessToken = result.AccessToken
	t.expiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	t.logger.Info("access token issued", "expires_at", t.expiresAt.Format(time.RFC3339))
	return nil
}

// ApprovalKey returns the WebSocket approval key, issuing one on first use.
// Refresh forces a new key; the stream client does this on every connect so
// a key revoked server-side cannot wedge reconnection.
func (t *TokenManager) ApprovalKey(ctx context.Context, refresh bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.approvalKey != "" && !refresh {
		return t.approvalKey, nil
	}

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     t.appKey,
		"secretkey":  t.appSecret,
	}

	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/oauth2/Approval")
	if err != nil {
		return "", types.WrapError(types.ErrTransport, err, "issue approval key")
	}
	if resp.StatusCode() != http.StatusOK || result.ApprovalKey == "" {
		return "", types.NewError(types.ErrBrokerRejected,
			"issue approval key: status %d: %s", resp.StatusCode(), resp.String())
	}

	t.approvalKey = result.ApprovalKey
	t.logger.Info("approval key issued")
	return t.approvalKey, nil
}

// authHeaders builds the per-request header set for an authenticated REST
// call. trID selects the broker transaction; the demo environment uses
// different codes, which the caller resolves before passing trID in.
func (t *TokenManager) authHeaders(ctx context.Context, trID string) (map[string]string, error) {
	token, err := t.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        t.appKey,
		"appsecret":     t.appSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}, nil
}
