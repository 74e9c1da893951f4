package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbploc08/backend-core-platform/pkg/platform/sentinel"
)

// InMemoryStore keeps idempotency records in memory for tests/dev.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryStore constructs an empty in-memory idempotency store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) Create(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Key]; ok {
		return fmt.Errorf("idempotency key %s already exists: %w", record.Key, sentinel.ErrConflict)
	}
	clone := *record
	s.records[record.Key] = &clone
	return nil
}

func (s *InMemoryStore) FindByKey(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s not found: %w", key, sentinel.ErrNotFound)
	}
	clone := *record
	return &clone, nil
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, key string, responseStatus int, responseBody []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return fmt.Errorf("idempotency key %s not found: %w", key, sentinel.ErrNotFound)
	}
	record.Status = StatusCompleted
	record.ResponseStatus = responseStatus
	record.ResponseBody = append([]byte(nil), responseBody...)
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return fmt.Errorf("idempotency key %s not found: %w", key, sentinel.ErrNotFound)
	}
	record.Status = StatusFailed
	return nil
}

func (s *InMemoryStore) MarkProcessing(_ context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return fmt.Errorf("idempotency key %s not found: %w", key, sentinel.ErrNotFound)
	}
	if record.Status != StatusFailed {
		return fmt.Errorf("idempotency key %s is no longer failed: %w", key, sentinel.ErrConflict)
	}
	record.Status = StatusProcessing
	record.ResponseStatus = 0
	record.ResponseBody = nil
	record.ExpiresAt = expiresAt
	return nil
}

func (s *InMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for key, record := range s.records {
		if !record.ExpiresAt.IsZero() && record.ExpiresAt.Before(now) {
			delete(s.records, key)
			swept++
		}
	}
	return swept, nil
}
