package httptransport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbploc08/backend-core-platform/internal/idempotency"
	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/internal/platform/logger"
	"github.com/nbploc08/backend-core-platform/pkg/requestcontext"
)

func newProxyCoordinator() *idempotency.Coordinator {
	return idempotency.NewCoordinator(idempotency.NewInMemoryStore(), logger.Discard(), nil,
		24*time.Hour, 5*time.Minute)
}

func TestProxy_ForwardsRequestAndRelaysResponse(t *testing.T) {
	var gotPath, gotUserID, gotRequestID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUserID = r.Header.Get("X-User-Id")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"n-1"}`))
	}))
	defer upstream.Close()

	proxy, err := NewProxy(upstream.URL, nil, nil, logger.Discard(), false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(`{"title":"hi"}`))
	ctx := requestcontext.WithRequestID(req.Context(), "req-7")
	ctx = requestcontext.WithIdentity(ctx, token.Identity{Class: token.ClassUser, UserID: "user-1"})
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"id":"n-1"}`, rec.Body.String())
	require.Equal(t, "/api/notifications", gotPath)
	require.Equal(t, "user-1", gotUserID)
	require.Equal(t, "req-7", gotRequestID)
}

func TestProxy_IdempotentRequestExecutesOnceAndReplays(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderId":"o-1"}`))
	}))
	defer upstream.Close()

	proxy, err := NewProxy(upstream.URL, newProxyCoordinator(), nil, logger.Discard(), false)
	require.NoError(t, err)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
		return rec
	}

	first := send(`{"amount":10}`)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, int32(1), hits.Load())

	// The retry replays the recorded response without touching the upstream.
	second := send(`{"amount":10}`)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, int32(1), hits.Load())

	// The same key with a different payload is rejected.
	conflict := send(`{"amount":99}`)
	require.Equal(t, http.StatusConflict, conflict.Code)
	require.Equal(t, int32(1), hits.Load())
}

func TestProxy_UpstreamErrorAllowsRetry(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	proxy, err := NewProxy(upstream.URL, newProxyCoordinator(), nil, logger.Discard(), false)
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"amount":10}`))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusInternalServerError, send().Code)

	// The failure settled the record as failed, so the retry executes.
	retry := send()
	require.Equal(t, http.StatusCreated, retry.Code)
	require.Equal(t, int32(2), hits.Load())
}

func TestProxy_UnreachableUpstreamFailsWith503(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	upstream.Close() // nothing listening anymore

	proxy, err := NewProxy(upstream.URL, newProxyCoordinator(), nil, logger.Discard(), false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The key is retryable after the transport failure.
	req = httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec = httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxy_GetRequestsBypassIdempotency(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer upstream.Close()

	proxy, err := NewProxy(upstream.URL, newProxyCoordinator(), nil, logger.Discard(), false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, int32(2), hits.Load())
}

func TestProxy_RefreshCredentialsBecomeHardenedCookies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"at","refreshToken":"rt-1","deviceId":"dev-1"}`))
	}))
	defer upstream.Close()

	proxy, err := NewProxy(upstream.URL, nil, nil, logger.Discard(), true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	resp := rec.Result()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "rt-1") // body passes through unchanged

	cookies := resp.Cookies()
	byName := map[string]*http.Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}
	require.Contains(t, byName, "refreshToken")
	require.Contains(t, byName, "deviceId")
	refresh := byName["refreshToken"]
	require.Equal(t, "rt-1", refresh.Value)
	require.True(t, refresh.HttpOnly)
	require.True(t, refresh.Secure)
	require.Equal(t, http.SameSiteStrictMode, refresh.SameSite)
	require.Equal(t, "/api/auth", refresh.Path)
}
