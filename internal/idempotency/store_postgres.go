package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nbploc08/backend-core-platform/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore persists idempotency records. The key column carries a unique
// constraint; concurrent Creates for the same key are arbitrated by the
// database, and the loser sees sentinel.ErrConflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema is the table this store expects; applied by migrations, kept here as
// the single source of truth for dev setups.
const Schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	id              UUID PRIMARY KEY,
	key             TEXT NOT NULL UNIQUE,
	request_hash    TEXT NOT NULL,
	status          TEXT NOT NULL,
	response_status INT  NOT NULL DEFAULT 0,
	response_body   BYTEA,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_records_expires_at_idx ON idempotency_records (expires_at);
`

func (s *PostgresStore) Create(ctx context.Context, record *Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (id, key, request_hash, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.Key, record.RequestHash, record.Status, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("idempotency key %s already exists: %w", record.Key, sentinel.ErrConflict)
		}
		return fmt.Errorf("create idempotency record: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByKey(ctx context.Context, key string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, key, request_hash, status, response_status, response_body, created_at, expires_at
		FROM idempotency_records WHERE key = $1`, key)

	var record Record
	err := row.Scan(&record.ID, &record.Key, &record.RequestHash, &record.Status,
		&record.ResponseStatus, &record.ResponseBody, &record.CreatedAt, &record.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency key %s not found: %w", key, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find idempotency record: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, key string, responseStatus int, responseBody []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $2, response_status = $3, response_body = $4
		WHERE key = $1`,
		key, StatusCompleted, responseStatus, responseBody)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s not found: %w", key, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_records SET status = $2 WHERE key = $1`, key, StatusFailed)
	if err != nil {
		return fmt.Errorf("fail idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s not found: %w", key, sentinel.ErrNotFound)
	}
	return nil
}

// MarkProcessing reopens a failed record. The status predicate makes the
// transition atomic: of N concurrent retries exactly one UPDATE matches, the
// rest see zero rows and lose.
func (s *PostgresStore) MarkProcessing(ctx context.Context, key string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $2, response_status = 0, response_body = NULL, expires_at = $3
		WHERE key = $1 AND status = $4`,
		key, StatusProcessing, expiresAt, StatusFailed)
	if err != nil {
		return fmt.Errorf("reopen idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s is no longer failed: %w", key, sentinel.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
