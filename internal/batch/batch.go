// Package batch groups records into size- and age-bounded HEC payloads.
package batch

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metadata is the routing information HEC accepts per event (or per request
// in raw mode).
type Metadata struct {
	Index      string
	Source     string
	Sourcetype string
	Host       string
}

// Record is one upstream event. Ref carries the upstream position so the
// source can commit it once the batch resolves.
type Record struct {
	Value    []byte
	Time     time.Time
	Metadata Metadata
	Headers  map[string]string
	Fields   map[string]string
	Ref      any
}

// State is the delivery state of a batch.
type State int32

const (
	Open State = iota
	Sent
	AwaitingAck
	Acked
	Failed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Sent:
		return "sent"
	case AwaitingAck:
		return "awaiting_ack"
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CloseReason records what closed a batch.
type CloseReason string

const (
	ClosedBySize     CloseReason = "size"
	ClosedByAge      CloseReason = "age"
	ClosedByFlush    CloseReason = "flush"
	ClosedByMetadata CloseReason = "metadata"
)

// Batch is an ordered group of framed records. Once Sent its payload never
// changes; only delivery bookkeeping does.
type Batch struct {
	ID        string
	CreatedAt time.Time
	// Metadata is the resolved metadata shared by every record of a raw
	// batch. Event batches carry metadata inside each framed object.
	Metadata Metadata

	records     []Record
	payload     bytes.Buffer
	closeReason CloseReason

	mu          sync.Mutex
	state       State
	attempts    int
	lastChannel string
	sentAt      time.Time

	once sync.Once
	done chan struct{}
	err  error
}

func newBatch(meta Metadata, now time.Time) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Metadata:  meta,
		done:      make(chan struct{}),
	}
}

func (b *Batch) add(rec Record, framed []byte) {
	b.records = append(b.records, rec)
	b.payload.Write(framed)
}

// Records returns the records in append order.
func (b *Batch) Records() []Record { return b.records }

// Len returns the number of records.
func (b *Batch) Len() int { return len(b.records) }

// Size returns the framed payload size in bytes.
func (b *Batch) Size() int { return b.payload.Len() }

// Payload returns the framed request body.
func (b *Batch) Payload() []byte { return b.payload.Bytes() }

// CloseReason reports why the builder closed the batch.
func (b *Batch) CloseReason() CloseReason { return b.closeReason }

// State returns the current delivery state.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Attempts returns how many times the batch has been handed to a channel.
func (b *Batch) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// LastChannel returns the ID of the channel of the latest attempt.
func (b *Batch) LastChannel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastChannel
}

// SentAt returns the time of the latest attempt.
func (b *Batch) SentAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sentAt
}

// MarkSent records a send attempt on channelID and returns the attempt
// number. A resolved batch is left untouched and 0 is returned.
func (b *Batch) MarkSent(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Acked || b.state == Failed {
		return 0
	}
	b.state = Sent
	b.attempts++
	b.lastChannel = channelID
	b.sentAt = time.Now()
	return b.attempts
}

// MarkAwaitingAck moves a Sent batch to AwaitingAck.
func (b *Batch) MarkAwaitingAck() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Sent {
		return false
	}
	b.state = AwaitingAck
	return true
}

// Complete resolves the batch as Acked (nil err) or Failed. Only the first
// call has any effect; it reports whether this call resolved the batch.
func (b *Batch) Complete(err error) bool {
	resolved := false
	b.once.Do(func() {
		b.mu.Lock()
		if err == nil {
			b.state = Acked
		} else {
			b.state = Failed
		}
		b.err = err
		b.mu.Unlock()
		close(b.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the batch is Acked or Failed.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Err returns the failure cause after Done is closed, nil if Acked.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
