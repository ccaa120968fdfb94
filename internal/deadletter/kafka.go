package deadletter

import (
	"context"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/kafka"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// KafkaSink publishes envelopes to a dead-letter topic keyed by batch ID.
type KafkaSink struct {
	pub Publisher
}

func NewKafkaSink(pub Publisher) *KafkaSink {
	return &KafkaSink{pub: pub}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, env Envelope) error {
	return k.pub.Publish(ctx, kafka.Event{
		Key:   env.BatchID,
		Value: env,
		Headers: map[string]string{
			"hec-close-reason": env.CloseReason,
			"hec-records":      strconv.Itoa(env.Records),
		},
	})
}
