package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/internal/platform/logger"
)

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	minter := token.NewMinter(token.Profile{
		Secret: "internal-secret", Issuer: "gateway", Audience: "internal",
	}, "gateway", time.Minute)
	return NewClient(baseURL, minter, logger.Discard())
}

func TestClient_MarkRead(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unreadCount":3}`))
	}))
	defer srv.Close()

	unread, err := newClient(t, srv.URL).MarkRead(context.Background(), "user-1", "n-7")
	require.NoError(t, err)
	require.Equal(t, 3, unread)
	require.Equal(t, "/notifications/n-7/read", gotPath)
	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
}

func TestClient_MarkAllRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/notifications/read-all", r.URL.Path)
		_, _ = w.Write([]byte(`{"unreadCount":0}`))
	}))
	defer srv.Close()

	unread, err := newClient(t, srv.URL).MarkAllRead(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, unread)
}

func TestClient_UpstreamErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).MarkRead(context.Background(), "user-1", "n-7")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}
