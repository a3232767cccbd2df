package vipps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vipps-payments/logging"
	"vipps-payments/monitoring"
)

// Credentials identify the merchant towards Vipps.
type Credentials struct {
	ClientID        string
	ClientSecret    string
	SubscriptionKey string
	MerchantSerial  string
}

// TokenCache holds a single access token and refreshes it on demand.
// Concurrent refreshes share one upstream request.
type TokenCache struct {
	url        string
	creds      Credentials
	httpClient *http.Client
	margin     time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	token     *AccessToken
	refreshAt time.Time
	group     singleflight.Group
}

// NewTokenCache creates a token cache. A token is considered stale margin
// before it expires.
func NewTokenCache(url string, creds Credentials, httpClient *http.Client, margin time.Duration) *TokenCache {
	return &TokenCache{
		url:        url,
		creds:      creds,
		httpClient: httpClient,
		margin:     margin,
		now:        time.Now,
	}
}

// Token returns a valid bearer token, fetching a new one when needed. A
// caller gives up at its own deadline while a shared fetch keeps running.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	// The shared fetch must not fail for every waiter when the first caller
	// goes away; the HTTP client timeout still bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("token", func() (any, error) {
		if token, ok := c.cached(); ok {
			return token, nil
		}
		return c.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return "", &AuthError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token if it is still the one given, so a late
// rejection of an old token does not discard a fresh one.
func (c *TokenCache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Token == token {
		c.token = nil
	}
}

func (c *TokenCache) current() (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return AccessToken{}, false
	}
	return *c.token, true
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil || !c.now().Before(c.refreshAt) {
		return "", false
	}
	return c.token.Token, true
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	token, err := c.fetch(ctx)
	if err != nil {
		monitoring.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))
		logging.Error("Error getting access token", zap.Error(err))
		return "", err
	}
	monitoring.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))

	issued := c.now()
	lifetime := token.ExpiresAt.Sub(issued)
	margin := c.margin
	// Short-lived tokens would otherwise never be served from cache.
	if margin > lifetime/2 {
		margin = lifetime / 2
	}

	c.mu.Lock()
	c.token = token
	c.refreshAt = token.ExpiresAt.Add(-margin)
	c.mu.Unlock()

	logging.Info("Access token refreshed", zap.Time("expires_at", token.ExpiresAt))
	return token.Token, nil
}

func (c *TokenCache) fetch(ctx context.Context) (*AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("client_id", c.creds.ClientID)
	req.Header.Set("client_secret", c.creds.ClientSecret)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.creds.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.creds.MerchantSerial)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: body}
	}

	var result tokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response from Vipps API: %w", err)}
	}
	if result.AccessToken == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: body, Err: errors.New("invalid response from Vipps API: missing access_token")}
	}

	return &AccessToken{
		Token:     result.AccessToken,
		ExpiresAt: c.now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}
