package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// Outbox hands pending envelopes to publish inside one store transaction.
// Rows for which publish returned nil are marked published; the first
// failure stops the batch.
type Outbox interface {
	Dispatch(ctx context.Context, limit int, publish func(context.Context, Envelope) error) (int, error)
}

// Relay moves outbox rows to a Publisher.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	batch     int
	published metric.Int64Counter
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatch sets the maximum rows per dispatch.
func WithBatch(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithRelayMeter counts published events on meter.
func WithRelayMeter(meter metric.Meter) RelayOption {
	return func(r *Relay) {
		if c, err := meter.Int64Counter("storefront.events.published",
			metric.WithDescription("Outbox events published"),
		); err == nil {
			r.published = c
		}
	}
}

// NewRelay creates a Relay.
func NewRelay(outbox Outbox, publisher Publisher, opts ...RelayOption) *Relay {
	c, _ := noop.NewMeterProvider().Meter("").Int64Counter("")
	r := &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  time.Second,
		batch:     100,
		published: c,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run dispatches until ctx is done. Full batches are followed immediately by
// another dispatch.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	lg.Info("Outbox relay started", zap.Duration("interval", r.interval), zap.Int("batch", r.batch))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			lg.Info("Outbox relay stopped")
			return nil
		case <-timer.C:
		}

		n, err := r.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			lg.Warn("Outbox dispatch failed", zap.Error(err))
		}

		next := r.interval
		if err == nil && n == r.batch {
			next = 0
		}
		timer.Reset(next)
	}
}

// Flush dispatches one batch and returns how many envelopes were published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	n, err := r.outbox.Dispatch(ctx, r.batch, func(ctx context.Context, env Envelope) error {
		if err := r.publisher.Publish(ctx, env); err != nil {
			return err
		}
		r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(env.Type))))
		return nil
	})
	if err != nil {
		return n, errors.Wrap(err, "dispatch outbox")
	}
	return n, nil
}

// LogPublisher logs envelopes instead of publishing them. Used when no
// broker is configured.
type LogPublisher struct{}

// Publish logs env.
func (LogPublisher) Publish(ctx context.Context, env Envelope) error {
	zctx.From(ctx).Info("Event",
		zap.String("event_id", env.ID),
		zap.String("event_type", string(env.Type)),
		zap.String("aggregate_id", env.AggregateID),
	)
	return nil
}
