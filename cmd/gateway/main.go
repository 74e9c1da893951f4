// The gateway terminates client traffic for the platform: it verifies tokens,
// enforces permissions, proxies API calls to the identity and notification
// services, pushes events to WebSocket clients, and de-duplicates retried
// mutations. Backends left unconfigured degrade to in-memory implementations
// so the binary runs standalone in dev.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nbploc08/backend-core-platform/internal/audit"
	"github.com/nbploc08/backend-core-platform/internal/events"
	"github.com/nbploc08/backend-core-platform/internal/idempotency"
	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/internal/notifications"
	"github.com/nbploc08/backend-core-platform/internal/permission"
	"github.com/nbploc08/backend-core-platform/internal/platform/config"
	"github.com/nbploc08/backend-core-platform/internal/platform/httpserver"
	"github.com/nbploc08/backend-core-platform/internal/platform/logger"
	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
	natsclient "github.com/nbploc08/backend-core-platform/internal/platform/nats"
	redisclient "github.com/nbploc08/backend-core-platform/internal/platform/redis"
	httptransport "github.com/nbploc08/backend-core-platform/internal/transport/http"
	"github.com/nbploc08/backend-core-platform/internal/ws"
)

const internalTokenTTL = 5 * time.Minute

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.ServiceName)

	if err := run(cfg, log); err != nil {
		log.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	userProfile := token.Profile(cfg.UserJWT)
	internalProfile := token.Profile(cfg.InternalJWT)
	verifier := token.NewVerifier(internalProfile, userProfile)
	minter := token.NewMinter(internalProfile, cfg.ServiceName, internalTokenTTL)

	// Permission lookups: redis-backed version cache when configured.
	var cache permission.Cache
	redisClient, err := redisclient.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		cache = permission.NewRedisCache(redisClient.Client, cfg.PermissionCacheTTL)
	} else {
		log.Warn("redis not configured, using in-memory permission cache")
		cache = permission.NewInMemoryCache(cfg.PermissionCacheTTL)
	}
	source := permission.NewHTTPSource(cfg.AuthServiceURL, minter, log)
	provider := permission.NewProvider(cache, source, log, m)
	guard := permission.NewGuard(provider, log, m)

	// Idempotency: durable records in postgres when configured.
	var idemStore idempotency.Store
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if _, err := pool.Exec(ctx, idempotency.Schema); err != nil {
			return err
		}
		idemStore = idempotency.NewPostgresStore(pool)
	} else {
		log.Warn("postgres not configured, using in-memory idempotency store")
		idemStore = idempotency.NewInMemoryStore()
	}
	coordinator := idempotency.NewCoordinator(idemStore, log, m, cfg.IdempotencyTTL, cfg.LocalReplayTTL)

	// Audit: best-effort channel publisher draining to kafka when configured.
	auditor := audit.NewPublisher(log)
	var sink audit.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			return err
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	} else {
		log.Warn("kafka not configured, keeping audit events in memory")
		sink = audit.NewMemorySink()
	}
	auditWorker := audit.NewWorker(sink, auditor.Inbox(), log)

	// WebSocket fan-out.
	registry := ws.NewRegistry()
	actions := notifications.NewClient(cfg.NotifServiceURL, minter, log)
	gateway := ws.NewGateway(registry, verifier, actions, log, m)
	defer gateway.Close()

	authProxy, err := httptransport.NewProxy(cfg.AuthServiceURL, coordinator, auditor, log, true)
	if err != nil {
		return err
	}
	notifProxy, err := httptransport.NewProxy(cfg.NotifServiceURL, coordinator, auditor, log, false)
	if err != nil {
		return err
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:             log,
		Metrics:            m,
		MetricsHandler:     promhttp.Handler(),
		Verifier:           verifier,
		Guard:              guard,
		Auditor:            auditor,
		WS:                 gateway,
		AuthProxy:          authProxy,
		NotificationsProxy: notifProxy,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(auditWorker.Run(gctx))
	})

	// Event consumption: push notification.created to live sockets.
	broker, err := natsclient.New(cfg.NatsURL, cfg.ServiceName, log)
	if err != nil {
		return err
	}
	if broker != nil {
		defer broker.Close()
		if err := broker.EnsureStream(ctx, events.StreamNotificationEvents, events.SubjectNotificationCreated); err != nil {
			return err
		}
		if err := broker.EnsureStream(ctx, events.StreamAuthEvents, events.SubjectUserRegistered); err != nil {
			return err
		}
		if err := broker.EnsureStream(ctx, events.StreamDeadLetter, events.SubjectDeadLetterAll); err != nil {
			return err
		}
		runner := events.NewRunner(broker, log, m)
		for _, consumerCfg := range events.GatewayConsumers(gateway, log) {
			consumerCfg := consumerCfg
			g.Go(func() error {
				return ignoreCancel(runner.Run(gctx, consumerCfg))
			})
		}
	} else {
		log.Warn("NATS not configured, event consumption disabled")
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				coordinator.SweepExpired(gctx)
			}
		}
	})

	g.Go(func() error {
		log.Info("gateway listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("gateway stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
