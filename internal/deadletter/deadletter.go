// Package deadletter parks batches that HEC refused or that ran out of
// retries, so their records are not lost when the upstream offset advances.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/delivery"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/metrics"
)

// Metadata mirrors batch.Metadata for the envelope.
type Metadata struct {
	Index      string `json:"index,omitempty"`
	Source     string `json:"source,omitempty"`
	Sourcetype string `json:"sourcetype,omitempty"`
	Host       string `json:"host,omitempty"`
}

// Envelope is the parked form of a failed batch. Payload is the exact body
// that was posted to HEC.
type Envelope struct {
	BatchID     string    `json:"batchId"`
	CreatedAt   time.Time `json:"createdAt"`
	FailedAt    time.Time `json:"failedAt"`
	CloseReason string    `json:"closeReason"`
	Channel     string    `json:"channel,omitempty"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error"`
	Records     int       `json:"records"`
	Metadata    *Metadata `json:"metadata,omitempty"`
	Payload     string    `json:"payload"`
}

// NewEnvelope captures o at time now.
func NewEnvelope(o delivery.Outcome, now time.Time) Envelope {
	b := o.Batch
	env := Envelope{
		BatchID:     b.ID,
		CreatedAt:   b.CreatedAt.UTC(),
		FailedAt:    now.UTC(),
		CloseReason: string(b.CloseReason()),
		Channel:     o.Channel,
		Attempts:    o.Attempts,
		Records:     b.Len(),
		Payload:     string(b.Payload()),
	}
	if o.Err != nil {
		env.Error = o.Err.Error()
	}
	if b.Metadata != (batch.Metadata{}) {
		env.Metadata = &Metadata{
			Index:      b.Metadata.Index,
			Source:     b.Metadata.Source,
			Sourcetype: b.Metadata.Sourcetype,
			Host:       b.Metadata.Host,
		}
	}
	return env
}

// Sink stores envelopes somewhere durable.
type Sink interface {
	Name() string
	Write(ctx context.Context, env Envelope) error
}

// Multi writes every envelope to all of its sinks.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewMulti creates a Multi over sinks. m may be nil.
func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{
		sinks:   sinks,
		metrics: m,
		logger:  logger.WithComponent("deadletter"),
		now:     time.Now,
	}
}

// Len returns the number of configured sinks.
func (d *Multi) Len() int { return len(d.sinks) }

func (d *Multi) Name() string { return "multi" }

// Write fans env out to every sink and joins their errors. A partial
// failure is still a failure: the batch stays unparked for the caller.
func (d *Multi) Write(ctx context.Context, env Envelope) error {
	var errs []error
	for _, s := range d.sinks {
		err := s.Write(ctx, env)
		status := "ok"
		if err != nil {
			status = "error"
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
		if d.metrics != nil {
			d.metrics.DeadLetterTotal.WithLabelValues(s.Name(), status).Inc()
		}
	}
	return errors.Join(errs...)
}

// Park writes the failed outcome o to every sink.
func (d *Multi) Park(ctx context.Context, o delivery.Outcome) error {
	if len(d.sinks) == 0 {
		return errors.New("no dead-letter sink configured")
	}
	env := NewEnvelope(o, d.now())
	ctx = logger.WithBatchID(ctx, env.BatchID)
	if err := d.Write(ctx, env); err != nil {
		d.logger.Error("failed to park batch", "batch_id", env.BatchID, "records", env.Records, "error", err)
		return err
	}
	d.logger.Warn("batch parked", "batch_id", env.BatchID, "records", env.Records, "reason", env.Error)
	return nil
}

// Report implements delivery.Reporter and parks failed batches. Acked
// batches and batches abandoned at shutdown are ignored.
func (d *Multi) Report(ctx context.Context, o delivery.Outcome) {
	if o.Label() != "failed" {
		return
	}
	_ = d.Park(ctx, o)
}
