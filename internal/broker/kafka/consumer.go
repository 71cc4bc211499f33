package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type rejected struct{ err error }

func (r *rejected) Error() string { return "rejected: " + r.err.Error() }
func (r *rejected) Unwrap() error { return r.err }

// Reject marks a message that will never be processed successfully. The
// consumer logs it and commits past it instead of stopping.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejected{err: err}
}

func IsRejected(err error) bool {
	var r *rejected
	return errors.As(err, &r)
}

type Consumer struct {
	r     messageReader
	topic string

	attempts int
	backoff  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	c := newConsumerWithReader(kafka.NewReader(cfg))
	c.topic = topic
	return c
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r, attempts: 3, backoff: 500 * time.Millisecond}
}

// WithRetry задаёт число попыток обработки одного сообщения и паузу между ними.
func (c *Consumer) WithRetry(attempts int, backoff time.Duration) *Consumer {
	if attempts > 0 {
		c.attempts = attempts
	}
	if backoff >= 0 {
		c.backoff = backoff
	}
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume feeds messages to handler one by one and commits each after it is
// handled or rejected. A message that keeps failing stops the loop uncommitted,
// so it is redelivered once the consumer rejoins the group.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}

		if err := c.handle(ctx, msg, handler); err != nil {
			if !IsRejected(err) {
				return err
			}
			slog.Warn("kafka message rejected",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler func(key, value []byte) error) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err = handler(msg.Key, msg.Value)
		if err == nil || IsRejected(err) {
			return err
		}
		if attempt == c.attempts {
			break
		}
		slog.Warn("kafka handler failed, retrying", "offset", msg.Offset, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return err
}
