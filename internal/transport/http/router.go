// Package httptransport is the gateway's HTTP edge: authentication and
// permission middleware, the upstream proxies, and route wiring.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nbploc08/backend-core-platform/internal/audit"
	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
	"github.com/nbploc08/backend-core-platform/pkg/platform/httputil"
)

// Deps carries everything the router wires together.
type Deps struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Verifier       TokenVerifier
	Guard          Authorizer
	Auditor        *audit.Publisher
	WS             http.Handler

	// Upstream proxies. Auth traffic is public (the identity service does its
	// own credential checks); notification traffic requires a verified token.
	AuthProxy          http.Handler
	NotificationsProxy http.Handler
}

// AdminPermission gates the admin surface; any-of semantics apply if more
// gates are added later.
const AdminPermission = "admin:access"

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(ClientInfo)
	r.Use(AccessLog(d.Logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}
	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}

	requireAuth := RequireAuth(d.Verifier, d.Logger, d.Metrics, d.Auditor)

	r.Route("/api", func(api chi.Router) {
		api.Mount("/auth", d.AuthProxy)

		api.Group(func(g chi.Router) {
			g.Use(requireAuth)
			g.Mount("/notifications", d.NotificationsProxy)
		})

		api.Group(func(g chi.Router) {
			g.Use(requireAuth)
			g.Use(RequirePermissions(d.Guard, d.Auditor, AdminPermission))
			g.Mount("/admin", d.AuthProxy)
		})
	})

	return r
}
