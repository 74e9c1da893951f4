package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbploc08/backend-core-platform/internal/platform/logger"
)

func TestPublisher_EmitStampsTimestamp(t *testing.T) {
	p := NewPublisher(logger.Discard())
	p.Emit(Event{Action: ActionRequestProxied, UserID: "user-1"})

	select {
	case event := <-p.Inbox():
		require.False(t, event.Timestamp.IsZero())
		require.Equal(t, ActionRequestProxied, event.Action)
	default:
		t.Fatal("expected event in inbox")
	}
}

func TestPublisher_FullInboxDropsInsteadOfBlocking(t *testing.T) {
	p := NewPublisher(logger.Discard())
	for i := 0; i < defaultInboxSize+10; i++ {
		p.Emit(Event{Action: ActionRequestProxied})
	}
	// Reaching here at all proves Emit never blocked.
	require.Len(t, p.Inbox(), defaultInboxSize)
}

func TestWorker_AppendsToSink(t *testing.T) {
	p := NewPublisher(logger.Discard())
	sink := NewMemorySink()
	worker := NewWorker(sink, p.Inbox(), logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	p.Emit(Event{Action: ActionTokenRejected, UserID: "user-1", Reason: "expired"})
	p.Emit(Event{Action: ActionPermissionDenied, UserID: "user-1"})

	require.Eventually(t, func() bool {
		return len(sink.Events()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	byUser, err := sink.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
}

type failingSink struct{ calls int }

func (s *failingSink) Append(context.Context, Event) error {
	s.calls++
	return errors.New("sink down")
}

func TestWorker_SinkFailureDoesNotStopLoop(t *testing.T) {
	p := NewPublisher(logger.Discard())
	sink := &failingSink{}
	worker := NewWorker(sink, p.Inbox(), logger.Discard())

	p.Emit(Event{Action: ActionRequestProxied})
	p.Emit(Event{Action: ActionRequestProxied})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Run drains the inbox on shutdown even with a failing sink.
	require.ErrorIs(t, worker.Run(ctx), context.Canceled)
	require.Equal(t, 2, sink.calls)
}
