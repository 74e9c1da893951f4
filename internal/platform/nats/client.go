// Package nats owns the NATS connection and JetStream plumbing: stream and
// durable-consumer provisioning (create-if-absent) and batched pulls.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nbploc08/backend-core-platform/internal/events"
)

// Stream retention shared by all services: bounded by count and age, replay
// from the beginning for new durables.
const (
	streamMaxMsgs = 100_000
	streamMaxAge  = 7 * 24 * time.Hour
)

// Client wraps a NATS connection with JetStream helpers. A nil Client is the
// "broker not configured" state; callers skip consumer startup when nil.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New connects to NATS and initializes JetStream. Returns nil if the URL is
// empty (events will not be consumed or published).
func New(url, name string, logger *slog.Logger) (*Client, error) {
	if url == "" {
		return nil, nil
	}

	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	logger.Info("connected to nats jetstream", "url", url)
	return &Client{nc: nc, js: js, logger: logger}, nil
}

// EnsureStream creates the stream if it does not exist yet.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects ...string) error {
	_, err := c.js.Stream(ctx, name)
	if err == nil {
		c.logger.Debug("jetstream stream exists", "stream", name)
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	_, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   streamMaxMsgs,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	c.logger.Info("jetstream stream created", "stream", name, "subjects", subjects)
	return nil
}

// EnsureConsumer creates the durable consumer if missing and returns a fetcher
// bound to it. Implements events.Broker.
func (c *Client) EnsureConsumer(ctx context.Context, cfg events.ConsumerConfig) (events.Fetcher, error) {
	cons, err := c.js.Consumer(ctx, cfg.Stream, cfg.Durable)
	if err == nil {
		c.logger.Debug("durable consumer exists", "stream", cfg.Stream, "consumer", cfg.Durable)
		return &fetcher{cons: cons}, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("consumer info %s/%s: %w", cfg.Stream, cfg.Durable, err)
	}

	cons, err = c.js.CreateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s/%s: %w", cfg.Stream, cfg.Durable, err)
	}
	c.logger.Info("durable consumer created", "stream", cfg.Stream, "consumer", cfg.Durable)
	return &fetcher{cons: cons}, nil
}

// Publish sends an event onto a JetStream subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection, letting in-flight acks land.
func (c *Client) Close() {
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
	}
}

type fetcher struct {
	cons jetstream.Consumer
}

func (f *fetcher) Fetch(_ context.Context, batch int, maxWait time.Duration) ([]events.Msg, error) {
	res, err := f.cons.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, err
	}
	var msgs []events.Msg
	for msg := range res.Messages() {
		msgs = append(msgs, jsMsg{msg})
	}
	if err := res.Error(); err != nil {
		return msgs, err
	}
	return msgs, nil
}

// jsMsg surfaces the delivery count from the JetStream message metadata.
type jsMsg struct {
	jetstream.Msg
}

func (m jsMsg) Deliveries() uint64 {
	meta, err := m.Metadata()
	if err != nil {
		return 0
	}
	return meta.NumDelivered
}
