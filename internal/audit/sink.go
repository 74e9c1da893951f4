package audit

import (
	"context"
	"sync"
)

// Sink is where audit events end up. Implementations must tolerate repeated
// Append calls for similar events; the stream is append-only.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// MemorySink keeps events in memory for tests/dev.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything appended so far.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...)
}

// ListByUser filters the stream down to one user's events.
func (s *MemorySink) ListByUser(_ context.Context, userID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, event := range s.events {
		if event.UserID == userID {
			out = append(out, event)
		}
	}
	return out, nil
}
