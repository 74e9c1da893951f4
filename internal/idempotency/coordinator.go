package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
	"github.com/nbploc08/backend-core-platform/pkg/platform/sentinel"
)

// Decision tells the caller what to do with an incoming request.
type Decision struct {
	// ShouldExecute means run the request now; the coordinator holds a
	// processing record for it (unless the key was empty).
	ShouldExecute bool
	// Tracked reports whether a record exists and the outcome must be
	// settled via MarkCompleted/MarkFailed.
	Tracked bool
	// Replay means respond with the recorded response verbatim.
	Replay         bool
	ResponseStatus int
	ResponseBody   []byte
	// RequestHash is handed back to MarkCompleted so the local replay cache
	// can detect key reuse with a different payload.
	RequestHash string
}

type localEntry struct {
	requestHash    string
	responseStatus int
	responseBody   []byte
	expiresAt      time.Time
}

// Coordinator implements at-most-once execution per idempotency key. Completed
// responses are additionally memoized in a short-lived local cache so hot
// retries skip the store.
type Coordinator struct {
	store    Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ttl      time.Duration
	localTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	local map[string]localEntry
}

func NewCoordinator(store Store, logger *slog.Logger, m *metrics.Metrics, ttl, localTTL time.Duration) *Coordinator {
	return &Coordinator{
		store:    store,
		logger:   logger,
		metrics:  m,
		ttl:      ttl,
		localTTL: localTTL,
		now:      time.Now,
		local:    make(map[string]localEntry),
	}
}

// HashRequest fingerprints a request so a reused key with a different payload
// can be detected and rejected.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Check decides whether the request should execute, be replayed, or be
// rejected. An empty key means the client opted out: execute untracked.
//
// The first caller under a key wins the right to execute. A concurrent
// duplicate loses the store's unique-constraint race and re-enters the lookup,
// where it sees the winner's record. A completed record replays verbatim; a
// failed one may be retried.
func (c *Coordinator) Check(ctx context.Context, key, method, path string, body []byte) (Decision, error) {
	if key == "" {
		return Decision{ShouldExecute: true}, nil
	}
	requestHash := HashRequest(method, path, body)

	if entry, ok := c.localLookup(key); ok {
		if entry.requestHash != requestHash {
			return Decision{}, c.conflict("idempotency key reused with a different request")
		}
		if c.metrics != nil {
			c.metrics.IdempotencyReplays.Inc()
		}
		c.logger.Debug("replaying response from local cache", "key", key)
		return Decision{Replay: true, ResponseStatus: entry.responseStatus, ResponseBody: entry.responseBody}, nil
	}

	// Two passes: the second one is for the loser of a concurrent Create race,
	// which must observe the winner's record instead of erroring out.
	for attempt := 0; attempt < 2; attempt++ {
		record, err := c.store.FindByKey(ctx, key)
		switch {
		case err == nil:
			return c.decide(ctx, record, requestHash)
		case errors.Is(err, sentinel.ErrNotFound):
			createErr := c.store.Create(ctx, &Record{
				ID:          uuid.NewString(),
				Key:         key,
				RequestHash: requestHash,
				Status:      StatusProcessing,
				CreatedAt:   c.now(),
				ExpiresAt:   c.now().Add(c.ttl),
			})
			if createErr == nil {
				return Decision{ShouldExecute: true, Tracked: true, RequestHash: requestHash}, nil
			}
			if errors.Is(createErr, sentinel.ErrConflict) {
				c.logger.Debug("lost idempotency create race, re-checking", "key", key)
				continue
			}
			return Decision{}, derrors.Wrap(createErr, derrors.CodeInternal, "could not record idempotency key")
		default:
			return Decision{}, derrors.Wrap(err, derrors.CodeInternal, "could not check idempotency key")
		}
	}
	return Decision{}, derrors.New(derrors.CodeConflict, "request with this idempotency key is already in progress")
}

func (c *Coordinator) decide(ctx context.Context, record *Record, requestHash string) (Decision, error) {
	if record.RequestHash != requestHash {
		return Decision{}, c.conflict("idempotency key reused with a different request")
	}

	switch record.Status {
	case StatusProcessing:
		return Decision{}, c.conflict("request with this idempotency key is already in progress")

	case StatusCompleted:
		c.localStore(record.Key, localEntry{
			requestHash:    record.RequestHash,
			responseStatus: record.ResponseStatus,
			responseBody:   record.ResponseBody,
		})
		if c.metrics != nil {
			c.metrics.IdempotencyReplays.Inc()
		}
		c.logger.Debug("replaying recorded response", "key", record.Key)
		return Decision{Replay: true, ResponseStatus: record.ResponseStatus, ResponseBody: record.ResponseBody}, nil

	case StatusFailed:
		// Concurrent retries of the same failed key race this transition;
		// the store lets exactly one through.
		err := c.store.MarkProcessing(ctx, record.Key, c.now().Add(c.ttl))
		switch {
		case err == nil:
		case errors.Is(err, sentinel.ErrConflict):
			return Decision{}, c.conflict("request with this idempotency key is already in progress")
		default:
			return Decision{}, derrors.Wrap(err, derrors.CodeInternal, "could not reopen idempotency record")
		}
		c.logger.Debug("retrying previously failed request", "key", record.Key)
		return Decision{ShouldExecute: true, Tracked: true, RequestHash: requestHash}, nil

	default:
		return Decision{}, derrors.Newf(derrors.CodeInternal, "idempotency record in unknown state %q", record.Status)
	}
}

// MarkCompleted settles a tracked execution with the response future retries
// will replay, and primes the local replay cache. requestHash comes from the
// Decision returned by Check.
func (c *Coordinator) MarkCompleted(ctx context.Context, key, requestHash string, responseStatus int, responseBody []byte) error {
	if key == "" {
		return nil
	}
	if err := c.store.MarkCompleted(ctx, key, responseStatus, responseBody); err != nil {
		return err
	}
	c.localStore(key, localEntry{
		requestHash:    requestHash,
		responseStatus: responseStatus,
		responseBody:   responseBody,
	})
	return nil
}

// MarkFailed settles a tracked execution as failed so a retry can run.
func (c *Coordinator) MarkFailed(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return c.store.MarkFailed(ctx, key)
}

// SweepExpired deletes settled records past their retention window.
func (c *Coordinator) SweepExpired(ctx context.Context) {
	swept, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		c.logger.Warn("idempotency sweep failed", "error", err)
		return
	}
	if swept > 0 {
		c.logger.Info("swept expired idempotency records", "count", swept)
	}
}

func (c *Coordinator) conflict(message string) error {
	if c.metrics != nil {
		c.metrics.IdempotencyConflicts.Inc()
	}
	return derrors.New(derrors.CodeConflict, message)
}

func (c *Coordinator) localLookup(key string) (localEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.local[key]
	if !ok {
		return localEntry{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.local, key)
		return localEntry{}, false
	}
	return entry, true
}

func (c *Coordinator) localStore(key string, entry localEntry) {
	entry.expiresAt = c.now().Add(c.localTTL)
	c.mu.Lock()
	c.local[key] = entry
	c.mu.Unlock()
}
