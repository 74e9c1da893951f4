package httptransport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nbploc08/backend-core-platform/internal/audit"
	"github.com/nbploc08/backend-core-platform/internal/idempotency"
	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
	"github.com/nbploc08/backend-core-platform/pkg/platform/httputil"
	"github.com/nbploc08/backend-core-platform/pkg/requestcontext"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	maxResponseBody      = 4 << 20 // 4 MiB
)

// Hop-by-hop headers are meaningful per connection and must not be forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Proxy forwards API traffic to an upstream service, wrapping mutating
// requests in the idempotency protocol when the client supplies a key, and
// translating refresh credentials in auth responses into hardened cookies.
type Proxy struct {
	upstream       *url.URL
	client         *http.Client
	idem           *idempotency.Coordinator
	auditor        *audit.Publisher
	logger         *slog.Logger
	refreshCookies bool
}

// NewProxy builds a proxy for one upstream base URL. refreshCookies enables
// the auth-specific cookie handling for login/refresh responses.
func NewProxy(upstream string, idem *idempotency.Coordinator, auditor *audit.Publisher, logger *slog.Logger, refreshCookies bool) (*Proxy, error) {
	parsed, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url %q: %w", upstream, err)
	}
	return &Proxy{
		upstream:       parsed,
		client:         &http.Client{Timeout: 30 * time.Second},
		idem:           idem,
		auditor:        auditor,
		logger:         logger,
		refreshCookies: refreshCookies,
	}, nil
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		httputil.WriteError(w, derrors.New(derrors.CodeBadRequest, "could not read request body"))
		return
	}
	if len(body) > maxRequestBody {
		httputil.WriteError(w, derrors.New(derrors.CodeBadRequest, "request body too large"))
		return
	}

	var decision idempotency.Decision
	key := ""
	if p.idem != nil && isMutating(r.Method) {
		key = r.Header.Get(idempotencyKeyHeader)
		decision, err = p.idem.Check(ctx, key, r.Method, r.URL.Path, body)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if decision.Replay {
			p.emit(r, audit.ActionRequestReplayed, decision.ResponseStatus)
			httputil.WriteRaw(w, decision.ResponseStatus, "application/json", decision.ResponseBody)
			return
		}
	}

	status, err := p.forward(w, r, body, key, decision)
	if err != nil {
		if decision.Tracked {
			if markErr := p.idem.MarkFailed(ctx, key); markErr != nil {
				p.logger.Warn("could not mark idempotent request failed", "key", key, "error", markErr)
			}
		}
		p.logger.Error("upstream request failed",
			"upstream", p.upstream.Host, "path", r.URL.Path, "error", err)
		httputil.WriteError(w, derrors.New(derrors.CodeUnavailable, "upstream service unavailable"))
		return
	}
	p.emit(r, audit.ActionRequestProxied, status)
}

// forward sends the request upstream and relays the response. It returns an
// error only for transport failures; upstream HTTP errors are relayed as-is.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte, key string, decision idempotency.Decision) (int, error) {
	ctx := r.Context()

	target := *p.upstream
	target.Path = singleJoin(p.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(out.Header, r.Header)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Header.Set("X-Request-Id", requestcontext.RequestID(ctx))
	out.Header.Set("X-Forwarded-For", requestcontext.ClientIP(ctx))
	if device := requestcontext.DeviceName(ctx); device != "" {
		out.Header.Set("X-Device-Name", device)
	}
	if identity, ok := requestcontext.Identity(ctx); ok && identity.UserID != "" {
		out.Header.Set("X-User-Id", identity.UserID)
	}

	resp, err := p.client.Do(out)
	if err != nil {
		return 0, fmt.Errorf("call upstream: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, fmt.Errorf("read upstream response: %w", err)
	}

	if decision.Tracked {
		if resp.StatusCode >= http.StatusInternalServerError {
			if markErr := p.idem.MarkFailed(ctx, key); markErr != nil {
				p.logger.Warn("could not mark idempotent request failed", "key", key, "error", markErr)
			}
		} else {
			if markErr := p.idem.MarkCompleted(ctx, key, decision.RequestHash, resp.StatusCode, respBody); markErr != nil {
				p.logger.Warn("could not record idempotent response", "key", key, "error", markErr)
			}
		}
	}

	copyHeaders(w.Header(), resp.Header)
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	if p.refreshCookies && resp.StatusCode < http.StatusMultipleChoices {
		p.setRefreshCookies(w, respBody)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	return resp.StatusCode, nil
}

// setRefreshCookies mirrors refresh credentials from an auth response body
// into hardened cookies so browser clients never touch them from script.
func (p *Proxy) setRefreshCookies(w http.ResponseWriter, body []byte) {
	var payload struct {
		RefreshToken string `json:"refreshToken"`
		DeviceID     string `json:"deviceId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.RefreshToken == "" {
		return
	}
	http.SetCookie(w, refreshCookie("refreshToken", payload.RefreshToken))
	if payload.DeviceID != "" {
		http.SetCookie(w, refreshCookie("deviceId", payload.DeviceID))
	}
}

func refreshCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/api/auth",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
	}
}

func (p *Proxy) emit(r *http.Request, action string, status int) {
	if p.auditor == nil {
		return
	}
	ctx := r.Context()
	event := audit.Event{
		Action:     action,
		RequestID:  requestcontext.RequestID(ctx),
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		ClientIP:   requestcontext.ClientIP(ctx),
		DeviceName: requestcontext.DeviceName(ctx),
	}
	if identity, ok := requestcontext.Identity(ctx); ok {
		event.UserID = identity.UserID
		event.Caller = identity.Caller
	}
	p.auditor.Emit(event)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}
