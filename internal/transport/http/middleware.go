package httptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"github.com/nbploc08/backend-core-platform/internal/audit"
	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
	"github.com/nbploc08/backend-core-platform/pkg/platform/httputil"
	"github.com/nbploc08/backend-core-platform/pkg/requestcontext"
)

// TokenVerifier validates a raw bearer token into an identity.
type TokenVerifier interface {
	Verify(raw string) (token.Identity, error)
}

// Authorizer is the permission check behind RequirePermissions.
type Authorizer interface {
	Authorize(ctx context.Context, identity token.Identity, required []string) error
}

// RequestID propagates the caller's X-Request-Id or assigns a fresh one, and
// echoes it on the response so clients can correlate.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientInfo derives a human-readable device name and the client IP, for audit
// trails and session labeling downstream.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = requestcontext.WithDeviceName(ctx, deviceName(r))
		ctx = requestcontext.WithClientIP(ctx, clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deviceName(r *http.Request) string {
	if name := r.Header.Get("X-Device-Name"); name != "" {
		return name
	}
	raw := r.Header.Get("User-Agent")
	if raw == "" {
		return "Unknown Device"
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	os := ua.OS()
	switch {
	case browser != "" && os != "":
		return fmt.Sprintf("%s on %s", browser, os)
	case browser != "":
		return browser
	case os != "":
		return os
	default:
		return "Unknown Device"
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// AccessLog logs one line per request with outcome and latency.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"durationMs", time.Since(start).Milliseconds(),
				"requestId", requestcontext.RequestID(r.Context()),
			)
		})
	}
}

// RequireAuth authenticates the bearer token and stores the resulting identity
// in the request context. Both internal and user credentials pass; routes that
// need a specific class or permission add RequirePermissions on top.
func RequireAuth(verifier TokenVerifier, logger *slog.Logger, m *metrics.Metrics, auditor *audit.Publisher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				httputil.WriteError(w, derrors.New(derrors.CodeUnauthorized, "missing bearer token"))
				return
			}

			identity, err := verifier.Verify(raw)
			if err != nil {
				if m != nil {
					m.TokensRejected.Inc()
				}
				logger.Warn("rejected bearer token",
					"error", err, "requestId", requestcontext.RequestID(r.Context()))
				if auditor != nil {
					auditor.Emit(audit.Event{
						Action:    audit.ActionTokenRejected,
						RequestID: requestcontext.RequestID(r.Context()),
						Method:    r.Method,
						Path:      r.URL.Path,
						ClientIP:  requestcontext.ClientIP(r.Context()),
						Reason:    derrors.MessageOf(err),
					})
				}
				httputil.WriteError(w, err)
				return
			}

			if m != nil {
				m.TokensVerified.WithLabelValues(string(identity.Class)).Inc()
			}
			ctx := requestcontext.WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermissions gates the route on the authenticated identity holding any
// of the required permissions. Must sit behind RequireAuth.
func RequirePermissions(guard Authorizer, auditor *audit.Publisher, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := requestcontext.Identity(r.Context())
			if !ok {
				httputil.WriteError(w, derrors.New(derrors.CodeUnauthorized, "missing bearer token"))
				return
			}
			if err := guard.Authorize(r.Context(), identity, required); err != nil {
				if auditor != nil && derrors.HasCode(err, derrors.CodeForbidden) {
					auditor.Emit(audit.Event{
						Action:    audit.ActionPermissionDenied,
						RequestID: requestcontext.RequestID(r.Context()),
						UserID:    identity.UserID,
						Method:    r.Method,
						Path:      r.URL.Path,
						Reason:    derrors.MessageOf(err),
					})
				}
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
