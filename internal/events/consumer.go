package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
)

// Broker-side defaults. Values mirror the durable consumer contract the
// services agreed on: explicit acks, deliver-all replay, ~30s ack wait, three
// delivery attempts before the broker stops redelivering.
const (
	DefaultAckWait     = 30 * time.Second
	DefaultMaxDeliver  = 3
	DefaultBatchSize   = 5
	DefaultFetchExpiry = 5 * time.Second
	defaultBackoff     = 2 * time.Second
)

// Msg is the slice of a broker message the loop needs; tests supply fakes.
type Msg interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	// Deliveries reports how many times the broker has delivered this
	// message. Zero means the count is unknown.
	Deliveries() uint64
}

// Handler processes one delivered message. Returning an error triggers a
// negative acknowledgment and broker-side redelivery.
type Handler func(ctx context.Context, msg Msg) error

// ConsumerConfig describes one durable subscription and its handler.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int
	BatchSize     int
	FetchExpiry   time.Duration
	Handle        Handler
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FetchExpiry <= 0 {
		c.FetchExpiry = DefaultFetchExpiry
	}
	return c
}

// Fetcher pulls bounded batches from an established durable consumer.
type Fetcher interface {
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Msg, error)
}

// Broker creates durable consumers idempotently and hands back a Fetcher. It
// also publishes, which the runner uses to park exhausted messages on the
// dead-letter stream.
type Broker interface {
	EnsureConsumer(ctx context.Context, cfg ConsumerConfig) (Fetcher, error)
	Publish(ctx context.Context, subject string, data []byte) error
}

// Runner drives the ensure → fetch → dispatch loop for durable consumers.
// One Run call per descriptor, each as a long-lived background task.
type Runner struct {
	broker  Broker
	logger  *slog.Logger
	metrics *metrics.Metrics
	backoff time.Duration
}

func NewRunner(broker Broker, logger *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{broker: broker, logger: logger, metrics: m, backoff: defaultBackoff}
}

// Run consumes messages for one descriptor until ctx is cancelled. Cancellation
// is cooperative: it is observed at the top of each iteration, so an in-flight
// batch drains instead of being cut mid-message.
//
// Per message: handler success acks; handler failure logs and naks so the
// broker redelivers, capped by MaxDeliver; the final failed delivery is parked
// on the dead-letter stream instead. A poison message never stops the batch or
// the loop. Fetch-level failures (broker unreachable) back off and
// retry the fetch; the durable consumer is never re-created.
func (r *Runner) Run(ctx context.Context, cfg ConsumerConfig) error {
	cfg = cfg.withDefaults()

	fetcher, err := r.broker.EnsureConsumer(ctx, cfg)
	if err != nil {
		r.logger.Error("failed to ensure durable consumer",
			"stream", cfg.Stream, "consumer", cfg.Durable, "error", err)
		return err
	}
	r.logger.Info("durable consumer ready",
		"stream", cfg.Stream, "consumer", cfg.Durable, "subject", cfg.FilterSubject)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := fetcher.Fetch(ctx, cfg.BatchSize, cfg.FetchExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("fetch failed",
				"stream", cfg.Stream, "consumer", cfg.Durable, "error", err)
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.dispatch(ctx, cfg, msg)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, cfg ConsumerConfig, msg Msg) {
	if err := cfg.Handle(ctx, msg); err != nil {
		r.logger.Error("error handling message",
			"stream", cfg.Stream, "consumer", cfg.Durable, "subject", msg.Subject(), "error", err)
		if r.metrics != nil {
			r.metrics.EventsFailed.WithLabelValues(cfg.Stream, cfg.Durable).Inc()
		}
		if cfg.MaxDeliver > 0 && msg.Deliveries() >= uint64(cfg.MaxDeliver) {
			r.deadLetter(ctx, cfg, msg)
			return
		}
		if nakErr := msg.Nak(); nakErr != nil {
			r.logger.Warn("nak failed",
				"stream", cfg.Stream, "consumer", cfg.Durable, "error", nakErr)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		r.logger.Warn("ack failed",
			"stream", cfg.Stream, "consumer", cfg.Durable, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.EventsConsumed.WithLabelValues(cfg.Stream, cfg.Durable).Inc()
	}
}

// deadLetter parks a message that exhausted redelivery so the payload outlives
// the broker's delivery cap. The original is acked only after the park lands;
// if the publish fails the message naks and the broker redelivers or drops it.
func (r *Runner) deadLetter(ctx context.Context, cfg ConsumerConfig, msg Msg) {
	subject := DeadLetterSubject(cfg.Durable)
	if err := r.broker.Publish(ctx, subject, msg.Data()); err != nil {
		r.logger.Error("dead-letter publish failed",
			"stream", cfg.Stream, "consumer", cfg.Durable, "subject", subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			r.logger.Warn("nak failed",
				"stream", cfg.Stream, "consumer", cfg.Durable, "error", nakErr)
		}
		return
	}
	r.logger.Warn("message exhausted redelivery, parked on dead-letter stream",
		"stream", cfg.Stream, "consumer", cfg.Durable, "subject", subject)
	if err := msg.Ack(); err != nil {
		r.logger.Warn("ack failed after dead-letter",
			"stream", cfg.Stream, "consumer", cfg.Durable, "error", err)
	}
}

func (r *Runner) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.backoff):
		return true
	}
}
