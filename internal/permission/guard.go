package permission

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
)

// Lookup is the slice of the Provider the guard depends on.
type Lookup interface {
	GetPermissions(ctx context.Context, userID string, permVersion int64) ([]string, error)
}

// Guard decides allow/deny for a protected operation.
type Guard struct {
	lookup  Lookup
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewGuard(lookup Lookup, logger *slog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{lookup: lookup, logger: logger, metrics: m}
}

// Authorize returns nil on allow, a forbidden error on deny, and passes
// through unavailable errors from the provider untouched.
//
// No required permissions means no check. Internal-class identities are
// trusted by construction and never consulted against the cache.
func (g *Guard) Authorize(ctx context.Context, identity token.Identity, required []string) error {
	if len(required) == 0 {
		return nil
	}
	if identity.Class == token.ClassInternal {
		return nil
	}
	if identity.Class != token.ClassUser || identity.UserID == "" {
		return derrors.New(derrors.CodeForbidden, "missing user context for permission check")
	}

	userPermissions, err := g.lookup.GetPermissions(ctx, identity.UserID, identity.PermVersion)
	if err != nil {
		return err
	}

	if !HasPermission(userPermissions, required) {
		if g.metrics != nil {
			g.metrics.PermissionDenied.Inc()
		}
		g.logger.Warn("permission denied",
			"userId", identity.UserID,
			"required", required,
			"held", len(userPermissions))
		return derrors.Newf(derrors.CodeForbidden,
			"insufficient permissions, required: [%s]", strings.Join(required, ", "))
	}
	return nil
}
