// Package permission implements the version-stamped permission cache, the
// provider that fills it from the authorization source, and the guard that
// turns permission sets into allow/deny decisions.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nbploc08/backend-core-platform/pkg/platform/sentinel"
)

// Cache stores permission snapshots keyed by (subject, permVersion). A version
// mismatch reads as absent, never as deny: stale entries are superseded lazily
// when the next request carries a newer version, without active invalidation.
type Cache interface {
	// Get returns the cached permission set for the subject, or
	// sentinel.ErrNotFound when there is no snapshot for exactly this version.
	Get(ctx context.Context, userID string, permVersion int64) ([]string, error)
	// Set stores the permission set under the subject's current version,
	// replacing any older version's snapshot.
	Set(ctx context.Context, userID string, permVersion int64, permissions []string) error
	// Invalidate drops the subject's snapshot outright.
	Invalidate(ctx context.Context, userID string) error
}

func cacheKey(userID string) string {
	return "permissions:user:" + userID
}

// RedisCache implements Cache on a redis hash per subject: field permVersion
// holds the stamped version, field permissions the JSON-encoded set.
type RedisCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisCache(client *goredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, userID string, permVersion int64) ([]string, error) {
	cached, err := c.client.HGetAll(ctx, cacheKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read permission cache: %w", err)
	}
	if len(cached) == 0 {
		return nil, fmt.Errorf("no snapshot for user %s: %w", userID, sentinel.ErrNotFound)
	}
	if cached["permVersion"] != strconv.FormatInt(permVersion, 10) {
		// A snapshot exists but for a different version; the caller must treat
		// this exactly like a miss and fetch fresh.
		return nil, fmt.Errorf("snapshot version mismatch for user %s: %w", userID, sentinel.ErrNotFound)
	}

	var permissions []string
	if err := json.Unmarshal([]byte(cached["permissions"]), &permissions); err != nil {
		return nil, fmt.Errorf("decode cached permissions: %w", err)
	}
	return permissions, nil
}

func (c *RedisCache) Set(ctx context.Context, userID string, permVersion int64, permissions []string) error {
	if permissions == nil {
		permissions = []string{}
	}
	encoded, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	key := cacheKey(userID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"permVersion": strconv.FormatInt(permVersion, 10),
		"permissions": string(encoded),
	})
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write permission cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate permission cache: %w", err)
	}
	return nil
}

type memorySnapshot struct {
	permVersion int64
	permissions []string
	expiresAt   time.Time
}

// InMemoryCache stores snapshots in memory for tests/dev.
type InMemoryCache struct {
	mu        sync.RWMutex
	snapshots map[string]memorySnapshot
	ttl       time.Duration
	now       func() time.Time
}

// NewInMemoryCache constructs an empty in-memory permission cache.
func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	return &InMemoryCache{
		snapshots: make(map[string]memorySnapshot),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (c *InMemoryCache) Get(_ context.Context, userID string, permVersion int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[userID]
	if !ok {
		return nil, fmt.Errorf("no snapshot for user %s: %w", userID, sentinel.ErrNotFound)
	}
	if !snap.expiresAt.IsZero() && c.now().After(snap.expiresAt) {
		return nil, fmt.Errorf("snapshot expired for user %s: %w", userID, sentinel.ErrNotFound)
	}
	if snap.permVersion != permVersion {
		return nil, fmt.Errorf("snapshot version mismatch for user %s: %w", userID, sentinel.ErrNotFound)
	}
	out := make([]string, len(snap.permissions))
	copy(out, snap.permissions)
	return out, nil
}

func (c *InMemoryCache) Set(_ context.Context, userID string, permVersion int64, permissions []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := memorySnapshot{
		permVersion: permVersion,
		permissions: append([]string(nil), permissions...),
	}
	if c.ttl > 0 {
		snap.expiresAt = c.now().Add(c.ttl)
	}
	c.snapshots[userID] = snap
	return nil
}

func (c *InMemoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, userID)
	return nil
}
