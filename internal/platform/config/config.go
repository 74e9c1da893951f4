package config

import (
	"os"
	"strings"
	"time"
)

// JWTProfile captures one token family's verification parameters.
type JWTProfile struct {
	Secret   string
	Issuer   string
	Audience string
}

// Config holds everything the gateway needs at startup. Backends left
// unconfigured (empty URL) degrade to in-memory or no-op implementations.
type Config struct {
	Addr        string
	ServiceName string

	UserJWT     JWTProfile
	InternalJWT JWTProfile

	AuthServiceURL  string
	NotifServiceURL string

	RedisURL     string
	PostgresURL  string
	NatsURL      string
	KafkaBrokers []string
	AuditTopic   string

	PermissionCacheTTL time.Duration
	IdempotencyTTL     time.Duration
	LocalReplayTTL     time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:        getenv("GATEWAY_ADDR", ":3000"),
		ServiceName: getenv("SERVICE_NAME", "gateway"),
		UserJWT: JWTProfile{
			Secret:   getenv("JWT_SECRET", "dev-secret-change-in-production"),
			Issuer:   getenv("JWT_ISSUER", "auth-service"),
			Audience: getenv("JWT_AUDIENCE", "api"),
		},
		InternalJWT: JWTProfile{
			Secret:   getenv("INTERNAL_JWT_SECRET", "dev-internal-change-in-production"),
			Issuer:   getenv("INTERNAL_JWT_ISSUER", "gateway"),
			Audience: getenv("INTERNAL_JWT_AUDIENCE", "internal"),
		},
		AuthServiceURL:  getenv("AUTH_SERVICE_URL", "http://localhost:3001"),
		NotifServiceURL: getenv("NOTIFICATION_SERVICE_URL", "http://localhost:3002"),
		RedisURL:        os.Getenv("REDIS_URL"),
		PostgresURL:     os.Getenv("DATABASE_URL"),
		NatsURL:         os.Getenv("NATS_URL"),
		AuditTopic:      getenv("AUDIT_TOPIC", "gateway.audit"),

		PermissionCacheTTL: getenvDuration("PERMISSION_CACHE_TTL", 15*time.Minute),
		IdempotencyTTL:     getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		LocalReplayTTL:     getenvDuration("IDEMPOTENCY_LOCAL_TTL", 5*time.Minute),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
