// Package source feeds Kafka messages into the delivery coordinator and
// commits their offsets once the batches carrying them are resolved.
//
// Batches resolve out of order, so offsets are committed per partition only
// up to the highest contiguous resolved offset.
package source

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/delivery"
	hkafka "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/metrics"
)

// Submitter is satisfied by *delivery.Coordinator.
type Submitter interface {
	Submit(ctx context.Context, rec batch.Record) error
}

// Committer is satisfied by *kafka.Consumer.
type Committer interface {
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Parker is satisfied by *deadletter.Multi.
type Parker interface {
	Park(ctx context.Context, o delivery.Outcome) error
}

type topicPartition struct {
	topic     string
	partition int
}

type partitionTracker struct {
	offsets []int64
	done    map[int64]kafka.Message
}

// advance pops the resolved prefix and returns its last message.
func (p *partitionTracker) advance() (kafka.Message, bool) {
	var (
		last kafka.Message
		ok   bool
	)
	for len(p.offsets) > 0 {
		m, resolved := p.done[p.offsets[0]]
		if !resolved {
			break
		}
		delete(p.done, p.offsets[0])
		p.offsets = p.offsets[1:]
		last, ok = m, true
	}
	return last, ok
}

// Adapter is a kafka MessageHandler and a delivery.Reporter.
type Adapter struct {
	submitter Submitter
	parker    Parker
	metrics   *metrics.Metrics
	logger    *slog.Logger
	trackData bool

	mu         sync.Mutex
	committer  Committer
	partitions map[topicPartition]*partitionTracker
}

// New creates an Adapter. parker may be nil, in which case failed batches
// are dropped and their offsets committed.
func New(sub Submitter, parker Parker, m *metrics.Metrics) *Adapter {
	return &Adapter{
		submitter:  sub,
		parker:     parker,
		metrics:    m,
		logger:     logger.WithComponent("kafka-source"),
		partitions: make(map[topicPartition]*partitionTracker),
	}
}

// TrackData makes every record carry its Kafka coordinates as indexed
// fields. Raw batches have no field envelope and ignore them.
func (a *Adapter) TrackData(on bool) {
	a.trackData = on
}

// Attach sets the consumer used for commits.
func (a *Adapter) Attach(c Committer) {
	a.mu.Lock()
	a.committer = c
	a.mu.Unlock()
}

// Handle tracks msg and submits it as a record. It blocks while the
// coordinator applies backpressure.
func (a *Adapter) Handle(ctx context.Context, msg kafka.Message) error {
	tp := topicPartition{msg.Topic, msg.Partition}
	a.mu.Lock()
	pt, ok := a.partitions[tp]
	if !ok {
		pt = &partitionTracker{done: make(map[int64]kafka.Message)}
		a.partitions[tp] = pt
	}
	pt.offsets = append(pt.offsets, msg.Offset)
	a.mu.Unlock()

	rec := batch.Record{
		Value:   msg.Value,
		Time:    msg.Time,
		Headers: hkafka.HeaderMap(msg),
		Ref:     msg,
	}
	if a.trackData {
		rec.Fields = coordinates(msg)
	}
	return a.submitter.Submit(ctx, rec)
}

func coordinates(msg kafka.Message) map[string]string {
	fields := map[string]string{
		"kafka_topic":     msg.Topic,
		"kafka_partition": strconv.Itoa(msg.Partition),
		"kafka_offset":    strconv.FormatInt(msg.Offset, 10),
	}
	if !msg.Time.IsZero() {
		fields["kafka_timestamp"] = strconv.FormatInt(msg.Time.UnixMilli(), 10)
	}
	return fields
}

// Pending returns the number of fetched offsets not yet committable.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, pt := range a.partitions {
		n += len(pt.offsets)
	}
	return n
}

// Report resolves the offsets carried by o. Acked batches resolve
// immediately and failed batches once parked. Batches abandoned at
// shutdown stay unresolved and are redelivered after restart.
func (a *Adapter) Report(ctx context.Context, o delivery.Outcome) {
	switch o.Label() {
	case "acked":
	case "failed":
		if a.parker == nil {
			a.logger.Error("dropping failed batch", "batch_id", o.Batch.ID, "records", o.Batch.Len(), "error", o.Err)
			break
		}
		if err := a.parker.Park(ctx, o); err != nil {
			a.logger.Error("failed batch not parked, offsets held", "batch_id", o.Batch.ID, "error", err)
			return
		}
	default:
		return
	}
	a.resolve(ctx, o.Batch.Records())
}

func (a *Adapter) resolve(ctx context.Context, records []batch.Record) {
	a.mu.Lock()
	touched := make(map[topicPartition]struct{})
	for _, rec := range records {
		msg, ok := rec.Ref.(kafka.Message)
		if !ok {
			continue
		}
		tp := topicPartition{msg.Topic, msg.Partition}
		if pt, ok := a.partitions[tp]; ok {
			pt.done[msg.Offset] = msg
			touched[tp] = struct{}{}
		}
	}
	var commits []kafka.Message
	for tp := range touched {
		if m, ok := a.partitions[tp].advance(); ok {
			commits = append(commits, m)
		}
	}
	committer := a.committer
	a.mu.Unlock()

	if len(commits) == 0 || committer == nil {
		return
	}
	status := "ok"
	if err := committer.Commit(ctx, commits...); err != nil {
		status = "error"
		a.logger.Error("offset commit failed", "partitions", len(commits), "error", err)
	}
	if a.metrics != nil {
		a.metrics.OffsetCommitsTotal.WithLabelValues(status).Inc()
	}
}
