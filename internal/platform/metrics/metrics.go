package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway core.
type Metrics struct {
	TokensVerified       *prometheus.CounterVec
	TokensRejected       prometheus.Counter
	PermissionCacheHits  prometheus.Counter
	PermissionCacheMiss  prometheus.Counter
	PermissionDenied     prometheus.Counter
	EventsConsumed       *prometheus.CounterVec
	EventsFailed         *prometheus.CounterVec
	WSConnections        prometheus.Gauge
	WSEventsEmitted      prometheus.Counter
	IdempotencyReplays   prometheus.Counter
	IdempotencyConflicts prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all metrics on the given registerer; tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration between runs.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensVerified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_verified_total",
			Help: "Total bearer tokens successfully verified, by trust class",
		}, []string{"class"}),
		TokensRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tokens_rejected_total",
			Help: "Total bearer tokens rejected during verification",
		}),
		PermissionCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_permission_cache_hits_total",
			Help: "Permission lookups served from the version-keyed cache",
		}),
		PermissionCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_permission_cache_misses_total",
			Help: "Permission lookups that fetched from the authorization source",
		}),
		PermissionDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_permission_denied_total",
			Help: "Authorization decisions that ended in deny",
		}),
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_consumed_total",
			Help: "Broker messages acknowledged after successful handling",
		}, []string{"stream", "consumer"}),
		EventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_failed_total",
			Help: "Broker messages negatively acknowledged for redelivery",
		}, []string{"stream", "consumer"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_connections",
			Help: "Live authenticated WebSocket connections",
		}),
		WSEventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ws_events_emitted_total",
			Help: "Events written to live WebSocket connections",
		}),
		IdempotencyReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_idempotency_replays_total",
			Help: "Write requests answered from a completed idempotency record",
		}),
		IdempotencyConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_idempotency_conflicts_total",
			Help: "Write requests rejected for key reuse or in-flight duplicates",
		}),
	}
}
