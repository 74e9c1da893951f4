package audit

import (
	"context"
	"log/slog"
)

// Worker consumes audit events from the publisher's inbox and appends them to
// the sink. Sink failures are logged and the loop continues; one bad event
// must not stall the stream.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case event := <-w.inbox:
			w.append(ctx, event)
		}
	}
}

// drain flushes whatever is still queued at shutdown, without blocking on an
// empty inbox.
func (w *Worker) drain() {
	for {
		select {
		case event := <-w.inbox:
			w.append(context.Background(), event)
		default:
			return
		}
	}
}

func (w *Worker) append(ctx context.Context, event Event) {
	if err := w.sink.Append(ctx, event); err != nil {
		w.logger.Warn("audit append failed", "action", event.Action, "error", err)
	}
}
