package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerEventType = "event_type"
	headerEventID   = "event_id"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes envelopes keyed by aggregate id so events of one
// order stay ordered within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
	}}
}

// Publish writes env synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	msg := kafka.Message{
		Key:   []byte(env.AggregateID),
		Value: Encode(env),
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(env.Type)},
			{Key: headerEventID, Value: []byte(env.ID)},
		},
		Time: env.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "kafka publish %s", env.ID)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads envelopes as part of a consumer group and commits an
// offset only after its handler finished.
type KafkaConsumer struct {
	reader   kafkaReader
	attempts int
	backoff  time.Duration
}

var _ Consumer = (*KafkaConsumer)(nil)

// NewKafkaConsumer creates a group consumer for cfg.Topic.
func NewKafkaConsumer(cfg KafkaConfig) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
		}),
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// Consume blocks until ctx is done. A handler failure is retried; once
// attempts are exhausted the message is logged and committed so the
// partition does not stall.
func (c *KafkaConsumer) Consume(ctx context.Context, h Handler) error {
	lg := zctx.From(ctx)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		env, err := Decode(msg.Value)
		if err != nil {
			lg.Error("Dropping undecodable message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := c.handle(ctx, h, env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Error("Event handling failed, skipping",
				zap.String("event_id", env.ID),
				zap.String("event_type", string(env.Type)),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, h Handler, env Envelope) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = h(ctx, env); err == nil {
			return nil
		}
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return err
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
