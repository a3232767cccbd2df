package vipps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{
	ClientID:        "client-id",
	ClientSecret:    "client-secret",
	SubscriptionKey: "sub-key",
	MerchantSerial:  "123456",
}

// tokenServer issues token-1, token-2, ... and counts requests.
func tokenServer(t *testing.T, expiresIn string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token_type":"Bearer","expires_in":%s,"access_token":"token-%d"}`, expiresIn, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(url string, clock *fakeClock) *TokenCache {
	cache := NewTokenCache(url, testCreds, http.DefaultClient, time.Minute)
	if clock != nil {
		cache.now = clock.Now
	}
	return cache
}

func TestTokenReusedWithinValidity(t *testing.T) {
	srv, calls := tokenServer(t, `"3600"`)
	cache := newTestCache(srv.URL, nil)

	first, err := cache.Token(context.Background())
	require.NoError(t, err)
	second, err := cache.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenRefreshedAfterExpiry(t *testing.T) {
	srv, calls := tokenServer(t, `"3600"`)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(srv.URL, clock)

	first, err := cache.Token(context.Background())
	require.NoError(t, err)

	current, ok := cache.current()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Hour), current.ExpiresAt)

	// Still inside the window minus the safety margin.
	clock.Advance(58 * time.Minute)
	again, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), calls.Load())

	// Inside the safety margin: never hand out a token about to expire.
	clock.Advance(90 * time.Second)
	refreshed, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", refreshed)
	assert.Equal(t, int32(2), calls.Load())

	current, ok = cache.current()
	require.True(t, ok)
	assert.Equal(t, "token-2", current.Token)
}

func TestTokenNumericExpiresIn(t *testing.T) {
	srv, calls := tokenServer(t, `3600`)
	cache := newTestCache(srv.URL, nil)

	for i := 0; i < 3; i++ {
		_, err := cache.Token(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenShortLifetimeStillCached(t *testing.T) {
	srv, calls := tokenServer(t, `"30"`)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(srv.URL, clock)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(10 * time.Second)
	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenRequestHeaders(t *testing.T) {
	var got http.Header
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		method = r.Method
		fmt.Fprint(w, `{"expires_in":"3600","access_token":"abc"}`)
	}))
	defer srv.Close()

	_, err := newTestCache(srv.URL, nil).Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "client-id", got.Get("client_id"))
	assert.Equal(t, "client-secret", got.Get("client_secret"))
	assert.Equal(t, "sub-key", got.Get("Ocp-Apim-Subscription-Key"))
	assert.Equal(t, "123456", got.Get("Merchant-Serial-Number"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestTokenErrorSurfacesUpstreamPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"unauthorized_client","error_description":"AADSTS7000215: Invalid client secret provided."}`)
	}))
	defer srv.Close()

	_, err := newTestCache(srv.URL, nil).Token(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Contains(t, err.Error(), "Invalid client secret provided")
}

func TestTokenMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expires_in":"3600"}`)
	}))
	defer srv.Close()

	cache := newTestCache(srv.URL, nil)
	_, err := cache.Token(context.Background())

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	_, ok := cache.current()
	assert.False(t, ok)
}

func TestTokenNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestCache(url, nil).Token(context.Background())

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Zero(t, authErr.StatusCode)
	assert.Contains(t, err.Error(), "failed to get access token")
}

func TestTokenInvalidate(t *testing.T) {
	srv, calls := tokenServer(t, `"3600"`)
	cache := newTestCache(srv.URL, nil)

	first, err := cache.Token(context.Background())
	require.NoError(t, err)
	cache.Invalidate(first)
	token, err := cache.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-2", token)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenInvalidateIgnoresReplacedToken(t *testing.T) {
	srv, calls := tokenServer(t, `"3600"`)
	cache := newTestCache(srv.URL, nil)

	stale, err := cache.Token(context.Background())
	require.NoError(t, err)
	cache.Invalidate(stale)
	fresh, err := cache.Token(context.Background())
	require.NoError(t, err)

	// A rejection of the old token arriving after the refresh.
	cache.Invalidate(stale)
	again, err := cache.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fresh, again)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenCallerDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		fmt.Fprint(w, `{"expires_in":"3600","access_token":"late"}`)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	cache := NewTokenCache(srv.URL, testCreds, &http.Client{Timeout: 5 * time.Second}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := cache.Token(ctx)

	assert.Less(t, time.Since(start), 2*time.Second)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, `{"expires_in":"3600","access_token":"shared"}`)
	}))
	defer srv.Close()

	cache := newTestCache(srv.URL, nil)

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := cache.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, "shared", token)
	}
	assert.Less(t, calls.Load(), int32(len(tokens)))
}
