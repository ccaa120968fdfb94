// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The consumer hands each message to a MessageHandler
// and leaves committing to the caller, so offsets only advance once the
// message has been durably delivered downstream.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	"github.com/segmentio/kafka-go"
)

// MessageHandler is a callback invoked for each fetched message. Returning
// an error stops the consume loop.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// Consumer reads messages from the configured topics as part of a consumer
// group and dispatches them to a MessageHandler.
type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	handler MessageHandler
}

// NewConsumer creates a Consumer for cfg.Topics and handler.
func NewConsumer(cfg config.KafkaConfig, handler MessageHandler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka consumer needs brokers and topics")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer needs a consumer group")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		GroupTopics:    cfg.Topics,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "group", cfg.ConsumerGroup),
		handler: handler,
	}, nil
}

// Start enters the consume loop, fetching messages until ctx is cancelled
// or the handler fails. Nothing is committed here; see Commit.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"value_size", len(msg.Value),
		)
		if err := c.handler(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("handling %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
}

// Commit marks msgs as consumed for the group.
func (c *Consumer) Commit(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("committing %d offsets: %w", len(msgs), err)
	}
	return nil
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// HeaderMap flattens message headers; the last value wins for repeated keys.
func HeaderMap(msg kafka.Message) map[string]string {
	if len(msg.Headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
