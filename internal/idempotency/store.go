// Package idempotency makes retried mutating requests safe: the first request
// under a key executes, concurrent duplicates are rejected, and later retries
// replay the recorded response instead of re-executing.
package idempotency

import (
	"context"
	"time"
)

// Record statuses. A record is created as processing, then settles to
// completed or failed exactly once.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Record is one idempotency key's lifecycle: what request it belongs to
// (RequestHash) and, once completed, the response to replay.
type Record struct {
	ID             string
	Key            string
	RequestHash    string
	Status         string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Error Contract:
// All store methods follow this error pattern:
// - Create returns ErrConflict when a record with the same key already exists
// - FindByKey returns ErrNotFound when no record exists for the key
// - Return wrapped errors with context for infrastructure failures
type Store interface {
	Create(ctx context.Context, record *Record) error
	FindByKey(ctx context.Context, key string) (*Record, error)
	// MarkCompleted settles the record with the response to replay.
	MarkCompleted(ctx context.Context, key string, responseStatus int, responseBody []byte) error
	// MarkFailed settles the record as failed; a later retry may re-execute.
	MarkFailed(ctx context.Context, key string) error
	// MarkProcessing flips a failed record back to processing for a retry and
	// renews its expiry. The transition is conditional on the record still
	// being failed; ErrConflict means a concurrent retry reopened it first.
	MarkProcessing(ctx context.Context, key string, expiresAt time.Time) error
	// DeleteExpired sweeps records past their expiry and reports how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
