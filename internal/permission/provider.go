package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
	"github.com/nbploc08/backend-core-platform/pkg/platform/sentinel"
	pstrings "github.com/nbploc08/backend-core-platform/pkg/platform/strings"
	"github.com/nbploc08/backend-core-platform/pkg/requestcontext"
)

//go:generate mockgen -source=provider.go -destination=mocks/mock_source.go -package=mocks Source

// Source fetches the current permission list for a subject from the
// authorization source of truth.
type Source interface {
	FetchPermissions(ctx context.Context, userID string) ([]string, error)
}

// Provider answers permission lookups through the version-keyed cache, falling
// through to the Source on miss and memoizing under the current version.
type Provider struct {
	cache   Cache
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewProvider(cache Cache, source Source, logger *slog.Logger, m *metrics.Metrics) *Provider {
	return &Provider{cache: cache, source: source, logger: logger, metrics: m}
}

// GetPermissions returns the subject's permission set for the given version.
//
// Cache failures degrade to a source fetch; source failures fail the request
// closed with an unavailable error, distinct from permission-denied, so callers
// can tell "not allowed" from "couldn't check".
func (p *Provider) GetPermissions(ctx context.Context, userID string, permVersion int64) ([]string, error) {
	cached, err := p.cache.Get(ctx, userID, permVersion)
	if err == nil && len(cached) > 0 {
		if p.metrics != nil {
			p.metrics.PermissionCacheHits.Inc()
		}
		p.logger.Debug("permission cache hit", "userId", userID, "permVersion", permVersion)
		return cached, nil
	}
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		p.logger.Warn("permission cache read failed, falling through to source",
			"userId", userID, "error", err)
	}

	if p.metrics != nil {
		p.metrics.PermissionCacheMiss.Inc()
	}
	p.logger.Debug("fetching permissions from authorization source",
		"userId", userID, "permVersion", permVersion)

	permissions, err := p.source.FetchPermissions(ctx, userID)
	if err != nil {
		if derrors.HasCode(err, derrors.CodeUnavailable) {
			return nil, err
		}
		return nil, derrors.Wrap(err, derrors.CodeUnavailable, "authorization source unavailable")
	}
	permissions = pstrings.DedupeAndTrim(permissions)

	if err := p.cache.Set(ctx, userID, permVersion, permissions); err != nil {
		p.logger.Warn("failed to cache permissions", "userId", userID, "error", err)
	}
	return permissions, nil
}

// InvalidateUser drops a subject's snapshot outright. Normal staleness is
// resolved lazily by the version key; this is for explicit revocations.
func (p *Provider) InvalidateUser(ctx context.Context, userID string) {
	if err := p.cache.Invalidate(ctx, userID); err != nil {
		p.logger.Warn("failed to invalidate permission cache", "userId", userID, "error", err)
	}
}

// HasPermission reports whether the user holds ANY of the required permissions
// (any-of semantics, not all-of).
func HasPermission(userPermissions, required []string) bool {
	for _, want := range required {
		for _, have := range userPermissions {
			if want == have {
				return true
			}
		}
	}
	return false
}

// HTTPSource fetches permission lists over HTTP, authenticating with a freshly
// minted internal service credential per call.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	minter  *token.Minter
	logger  *slog.Logger
}

func NewHTTPSource(baseURL string, minter *token.Minter, logger *slog.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		minter:  minter,
		logger:  logger,
	}
}

func (s *HTTPSource) FetchPermissions(ctx context.Context, userID string) ([]string, error) {
	internalToken, err := s.minter.MintInternal(map[string]any{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("mint internal token: %w", err)
	}

	url := fmt.Sprintf("%s/roles/users/%s/permissions", s.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build permission request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+internalToken)
	requestID := requestcontext.RequestID(ctx)
	if requestID == "" {
		requestID = "internal-call"
	}
	req.Header.Set("X-Request-Id", requestID)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("cannot reach authorization source", "url", url, "error", err)
		return nil, fmt.Errorf("call authorization source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Error("authorization source returned error",
			"status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("authorization source returned status %d", resp.StatusCode)
	}

	var permissions []string
	if err := json.NewDecoder(resp.Body).Decode(&permissions); err != nil {
		return nil, fmt.Errorf("invalid response from authorization source: %w", err)
	}

	s.logger.Debug("retrieved permissions", "userId", userID, "count", len(permissions))
	return permissions, nil
}
