package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nbploc08/backend-core-platform/internal/platform/logger"
	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
)

func newCoordinator(store Store) *Coordinator {
	return NewCoordinator(store, logger.Discard(), metrics.NewWith(prometheus.NewRegistry()),
		24*time.Hour, 5*time.Minute)
}

func TestCoordinator_EmptyKeyExecutesUntracked(t *testing.T) {
	c := newCoordinator(NewInMemoryStore())
	decision, err := c.Check(context.Background(), "", "POST", "/api/orders", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.True(t, decision.ShouldExecute)
	require.False(t, decision.Tracked)
}

func TestCoordinator_FirstRequestExecutesDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(NewInMemoryStore())
	body := []byte(`{"amount":10}`)

	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, decision.ShouldExecute)
	require.True(t, decision.Tracked)

	// Same key while the first execution is still in flight.
	_, err = c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.Error(t, err)
	require.True(t, derrors.HasCode(err, derrors.CodeConflict))
}

func TestCoordinator_CompletedResponseReplayedVerbatim(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(NewInMemoryStore())
	body := []byte(`{"amount":10}`)

	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, decision.ShouldExecute)

	recorded := []byte(`{"orderId":"o-1"}`)
	require.NoError(t, c.MarkCompleted(ctx, "key-1", decision.RequestHash, 201, recorded))

	replay, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, replay.Replay)
	require.False(t, replay.ShouldExecute)
	require.Equal(t, 201, replay.ResponseStatus)
	require.Equal(t, recorded, replay.ResponseBody)
}

func TestCoordinator_KeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(NewInMemoryStore())

	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", []byte(`{"amount":10}`))
	require.NoError(t, err)
	require.NoError(t, c.MarkCompleted(ctx, "key-1", decision.RequestHash, 201, []byte(`{}`)))

	_, err = c.Check(ctx, "key-1", "POST", "/api/orders", []byte(`{"amount":99}`))
	require.Error(t, err)
	require.True(t, derrors.HasCode(err, derrors.CodeConflict))

	// A different path under the same key is also a different request.
	_, err = c.Check(ctx, "key-1", "POST", "/api/payments", []byte(`{"amount":10}`))
	require.Error(t, err)
	require.True(t, derrors.HasCode(err, derrors.CodeConflict))
}

func TestCoordinator_FailedRequestMayRetry(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newCoordinator(store)
	body := []byte(`{"amount":10}`)

	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, decision.ShouldExecute)
	require.NoError(t, c.MarkFailed(ctx, "key-1"))

	retry, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, retry.ShouldExecute)
	require.True(t, retry.Tracked)

	record, err := store.FindByKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, record.Status)
}

// gatedRetryStore holds every FindByKey caller that observed a failed record
// until a second caller has observed it too, so both retries decide off the
// same stale failed status and race the reopen transition.
type gatedRetryStore struct {
	*InMemoryStore
	observedFailed sync.WaitGroup
}

func (s *gatedRetryStore) FindByKey(ctx context.Context, key string) (*Record, error) {
	record, err := s.InMemoryStore.FindByKey(ctx, key)
	if err == nil && record.Status == StatusFailed {
		s.observedFailed.Done()
		s.observedFailed.Wait()
	}
	return record, err
}

func TestCoordinator_ConcurrentRetriesOfFailedKeyElectOneExecutor(t *testing.T) {
	ctx := context.Background()
	store := &gatedRetryStore{InMemoryStore: NewInMemoryStore()}
	c := newCoordinator(store)
	body := []byte(`{"amount":10}`)

	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, decision.ShouldExecute)
	require.NoError(t, c.MarkFailed(ctx, "key-1"))

	store.observedFailed.Add(2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	executors, conflicts := 0, 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			retry, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && retry.ShouldExecute:
				executors++
			case derrors.HasCode(err, derrors.CodeConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, executors, "only one retry of a failed key may execute")
	require.Equal(t, 1, conflicts)
}

func TestCoordinator_RetryOfFailedKeyRenewsExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newCoordinator(store)
	now := time.Now()
	c.now = func() time.Time { return now }
	body := []byte(`{"amount":10}`)

	_, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed(ctx, "key-1"))

	now = now.Add(20 * time.Hour)
	retry, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, retry.ShouldExecute)

	record, err := store.FindByKey(ctx, "key-1")
	require.NoError(t, err)
	require.WithinDuration(t, now.Add(24*time.Hour), record.ExpiresAt, 0)
}

// raceStore simulates losing a concurrent insert: the winner's record lands
// between our FindByKey miss and our Create, so Create hits the unique
// constraint and the re-check must observe the winner's record.
type raceStore struct {
	*InMemoryStore
	winner *Record
	mu     sync.Mutex
	raced  bool
}

func (s *raceStore) Create(ctx context.Context, record *Record) error {
	s.mu.Lock()
	first := !s.raced
	s.raced = true
	s.mu.Unlock()
	if first {
		if err := s.InMemoryStore.Create(ctx, s.winner); err != nil {
			return err
		}
	}
	return s.InMemoryStore.Create(ctx, record)
}

func TestCoordinator_CreateRaceLoserSeesWinnersRecord(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"amount":10}`)
	hash := HashRequest("POST", "/api/orders", body)

	t.Run("winner still processing means conflict", func(t *testing.T) {
		store := &raceStore{InMemoryStore: NewInMemoryStore(), winner: &Record{
			ID: "w", Key: "key-1", RequestHash: hash, Status: StatusProcessing,
			CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		}}
		c := newCoordinator(store)

		_, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
		require.Error(t, err)
		require.True(t, derrors.HasCode(err, derrors.CodeConflict))
	})

	t.Run("winner already completed means replay", func(t *testing.T) {
		store := &raceStore{InMemoryStore: NewInMemoryStore(), winner: &Record{
			ID: "w", Key: "key-1", RequestHash: hash, Status: StatusCompleted,
			ResponseStatus: 201, ResponseBody: []byte(`{"orderId":"o-1"}`),
			CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		}}
		c := newCoordinator(store)

		decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
		require.NoError(t, err)
		require.True(t, decision.Replay)
		require.Equal(t, 201, decision.ResponseStatus)
		require.Equal(t, []byte(`{"orderId":"o-1"}`), decision.ResponseBody)
	})
}

func TestCoordinator_ConcurrentChecksElectExactlyOneExecutor(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(NewInMemoryStore())
	body := []byte(`{"amount":10}`)

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	executors, conflicts := 0, 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && decision.ShouldExecute:
				executors++
			case derrors.HasCode(err, derrors.CodeConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, executors)
	require.Equal(t, callers-1, conflicts)
}

func TestCoordinator_LocalCacheServesHotReplays(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newCoordinator(store)
	body := []byte(`{"amount":10}`)

	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.NoError(t, c.MarkCompleted(ctx, "key-1", decision.RequestHash, 200, []byte(`{"ok":true}`)))

	// Remove the durable record; the local cache alone must serve the replay.
	_, err = store.DeleteExpired(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)

	replay, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, replay.Replay)
	require.Equal(t, []byte(`{"ok":true}`), replay.ResponseBody)

	// And it still detects payload mismatch without the store.
	_, err = c.Check(ctx, "key-1", "POST", "/api/orders", []byte(`{"amount":99}`))
	require.True(t, derrors.HasCode(err, derrors.CodeConflict))
}

func TestCoordinator_LocalCacheEntriesExpire(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newCoordinator(store)
	now := time.Now()
	c.now = func() time.Time { return now }
	body := []byte(`{"amount":10}`)

	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.NoError(t, c.MarkCompleted(ctx, "key-1", decision.RequestHash, 200, []byte(`{"ok":true}`)))

	now = now.Add(10 * time.Minute)

	// Past the local TTL the durable record still answers.
	replay, err := c.Check(ctx, "key-1", "POST", "/api/orders", body)
	require.NoError(t, err)
	require.True(t, replay.Replay)
}

func TestCoordinator_SweepRemovesExpiredRecords(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := NewCoordinator(store, logger.Discard(), metrics.NewWith(prometheus.NewRegistry()),
		time.Millisecond, 0)

	_, err := c.Check(ctx, "key-1", "POST", "/api/orders", []byte(`{}`))
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	c.SweepExpired(ctx)

	// The key is free again after the sweep.
	decision, err := c.Check(ctx, "key-1", "POST", "/api/orders", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, decision.ShouldExecute)
}

func TestHashRequest(t *testing.T) {
	base := HashRequest("POST", "/api/orders", []byte(`{"a":1}`))
	require.Equal(t, base, HashRequest("POST", "/api/orders", []byte(`{"a":1}`)))
	require.NotEqual(t, base, HashRequest("PUT", "/api/orders", []byte(`{"a":1}`)))
	require.NotEqual(t, base, HashRequest("POST", "/api/other", []byte(`{"a":1}`)))
	require.NotEqual(t, base, HashRequest("POST", "/api/orders", []byte(`{"a":2}`)))
}
