package audit

import (
	"log/slog"
	"time"
)

const defaultInboxSize = 1024

// Publisher hands events to the background worker through a bounded inbox.
// When the inbox is full the event is dropped and counted; audit must never
// apply backpressure to the request path.
type Publisher struct {
	inbox  chan Event
	logger *slog.Logger
}

func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		inbox:  make(chan Event, defaultInboxSize),
		logger: logger,
	}
}

// Emit enqueues the event, stamping the time if the caller did not.
func (p *Publisher) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit inbox full, dropping event", "action", event.Action)
	}
}

// Inbox is consumed by the Worker.
func (p *Publisher) Inbox() <-chan Event {
	return p.inbox
}
