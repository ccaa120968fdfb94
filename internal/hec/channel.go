package hec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/resilience"
)

const maxResponseBody = 64 << 10

// Doer sends HTTP requests. *transport.Transport satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Channel.
type Options struct {
	Token            string
	Raw              bool
	Ack              bool
	Compress         bool
	MaxPendingAck    time.Duration
	FailureThreshold int
	OnHealthChange   func(channelID string, from, to resilience.Health)
}

// Ticket identifies a sent batch awaiting acknowledgment. AckID is negative
// when the batch needs no acknowledgment.
type Ticket struct {
	Channel string
	AckID   int64
}

// Pending reports whether the ticket still has to be resolved by polling.
func (t Ticket) Pending() bool { return t.AckID >= 0 }

// Resolution is the final outcome of one pending acknowledgment. A nil Err
// means the batch was indexed.
type Resolution struct {
	Batch  *batch.Batch
	Ticket Ticket
	Err    error
}

type pendingAck struct {
	batch  *batch.Batch
	sentAt time.Time
}

// Channel is one logical HEC channel on an indexer endpoint. It is safe for
// concurrent use; several sends may be in flight at once.
type Channel struct {
	id     string
	base   string
	doer   Doer
	opts   Options
	health *resilience.HealthTracker
	logger *slog.Logger

	mu      sync.Mutex
	pending map[int64]*pendingAck
	evicted []Resolution
}

// NewChannel creates a channel on the indexer at baseURI with a fresh
// channel UUID.
func NewChannel(baseURI string, doer Doer, opts Options) (*Channel, error) {
	u, err := url.Parse(baseURI)
	if err != nil || u.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "invalid HEC URI %q", baseURI)
	}
	c := &Channel{
		id:      uuid.NewString(),
		base:    strings.TrimRight(baseURI, "/"),
		doer:    doer,
		opts:    opts,
		pending: make(map[int64]*pendingAck),
	}
	c.logger = slog.Default().With("component", "hec-channel", "channel", c.id, "uri", c.base)
	c.health = resilience.NewHealthTracker(c.id, resilience.TrackerConfig{
		FailureThreshold: opts.FailureThreshold,
		OnChange: func(from, to resilience.Health) {
			if opts.OnHealthChange != nil {
				opts.OnHealthChange(c.id, from, to)
			}
		},
	})
	return c, nil
}

// ID returns the channel UUID sent as X-Splunk-Request-Channel.
func (c *Channel) ID() string { return c.id }

// URI returns the indexer base URI.
func (c *Channel) URI() string { return c.base }

// Health returns the current rotation state.
func (c *Channel) Health() resilience.Health { return c.health.State() }

// Pending returns the number of outstanding acknowledgments.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send posts b to the indexer. On success with acknowledgments enabled the
// batch is registered as pending and the returned ticket must be resolved
// through PollAcks.
func (c *Channel) Send(ctx context.Context, b *batch.Batch) (Ticket, error) {
	noAck := Ticket{Channel: c.id, AckID: -1}
	if b.MarkSent(c.id) == 0 {
		return noAck, apperrors.Newf(apperrors.ErrTerminalApplication, 0, "batch %s already resolved", b.ID)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.sendURL(b), b.Payload())
	if err != nil {
		return noAck, err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		c.recordFailure(ctx)
		return noAck, apperrors.Newf(apperrors.ErrTransientTransport, 0, "sending batch %s: %v", b.ID, err)
	}
	body, readErr := readBody(resp)

	if class := apperrors.Classify(resp.StatusCode); class != nil {
		hr, _ := parseResponse(body)
		if class == apperrors.ErrTransientTransport {
			c.health.RecordFailure()
		}
		derr := &apperrors.DeliveryError{
			Err:        class,
			Message:    fmt.Sprintf("batch %s rejected: %s", b.ID, responseText(hr, body)),
			StatusCode: resp.StatusCode,
			HECCode:    hr.Code,
		}
		c.logger.Warn("send rejected", "batch_id", b.ID, "status", resp.StatusCode, "hec_code", hr.Code, "text", hr.Text)
		return noAck, derr
	}
	if readErr != nil {
		c.recordFailure(ctx)
		return noAck, apperrors.Newf(apperrors.ErrTransientTransport, resp.StatusCode, "reading response for batch %s: %v", b.ID, readErr)
	}
	c.health.RecordSuccess()

	hr, _ := parseResponse(body)
	if !c.opts.Ack || hr.AckID == nil {
		if c.opts.Ack {
			c.logger.Warn("indexer returned no ackId, treating batch as delivered", "batch_id", b.ID)
		}
		return noAck, nil
	}

	ackID := *hr.AckID
	b.MarkAwaitingAck()
	c.mu.Lock()
	if prev, ok := c.pending[ackID]; ok && prev.batch != b {
		c.evicted = append(c.evicted, Resolution{
			Batch:  prev.batch,
			Ticket: Ticket{Channel: c.id, AckID: ackID},
			Err:    apperrors.Newf(apperrors.ErrAckTimeout, 0, "ack id %d reissued on channel %s", ackID, c.id),
		})
	}
	c.pending[ackID] = &pendingAck{batch: b, sentAt: time.Now()}
	c.mu.Unlock()

	return Ticket{Channel: c.id, AckID: ackID}, nil
}

// PollAcks queries the indexer for every outstanding ack ID and returns the
// resolutions it produced. Pending entries older than MaxPendingAck resolve
// with ErrAckTimeout even when the query itself fails.
func (c *Channel) PollAcks(ctx context.Context) ([]Resolution, error) {
	c.mu.Lock()
	resolved := c.evicted
	c.evicted = nil
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return resolved, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	acked, pollErr := c.queryAcks(ctx, ids)
	if pollErr != nil {
		c.recordFailure(ctx)
	} else {
		c.health.RecordSuccess()
	}

	now := time.Now()
	c.mu.Lock()
	for _, id := range ids {
		p, ok := c.pending[id]
		if !ok {
			continue
		}
		switch {
		case acked[id]:
			delete(c.pending, id)
			resolved = append(resolved, Resolution{Batch: p.batch, Ticket: Ticket{Channel: c.id, AckID: id}})
		case c.opts.MaxPendingAck > 0 && now.Sub(p.sentAt) >= c.opts.MaxPendingAck:
			delete(c.pending, id)
			resolved = append(resolved, Resolution{
				Batch:  p.batch,
				Ticket: Ticket{Channel: c.id, AckID: id},
				Err:    apperrors.Newf(apperrors.ErrAckTimeout, 0, "ack id %d on channel %s pending for %s", id, c.id, now.Sub(p.sentAt).Round(time.Millisecond)),
			})
		}
	}
	c.mu.Unlock()

	return resolved, pollErr
}

func (c *Channel) queryAcks(ctx context.Context, ids []int64) (map[int64]bool, error) {
	payload, err := encodeAckRequest(ids)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.base+AckPath, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrTransientTransport, 0, "polling acks: %v", err)
	}
	body, err := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		hr, _ := parseResponse(body)
		return nil, &apperrors.DeliveryError{
			Err:        apperrors.ErrTransientTransport,
			Message:    "ack poll rejected: " + responseText(hr, body),
			StatusCode: resp.StatusCode,
			HECCode:    hr.Code,
		}
	}
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrTransientTransport, resp.StatusCode, "reading ack response: %v", err)
	}
	acked, err := decodeAckResponse(body)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrTransientTransport, resp.StatusCode, "decoding ack response: %v", err)
	}
	return acked, nil
}

// Probe checks the indexer's collector health endpoint. A successful probe
// returns a Down channel to rotation.
func (c *Channel) Probe(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.base+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		c.recordFailure(ctx)
		return apperrors.Newf(apperrors.ErrTransientTransport, 0, "probing %s: %v", c.base, err)
	}
	body, _ := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		c.health.RecordFailure()
		hr, _ := parseResponse(body)
		return &apperrors.DeliveryError{
			Err:        apperrors.ErrTransientTransport,
			Message:    "health probe failed: " + responseText(hr, body),
			StatusCode: resp.StatusCode,
			HECCode:    hr.Code,
		}
	}
	if !c.health.Restore() {
		c.health.RecordSuccess()
	}
	return nil
}

// recordFailure counts a failed exchange against the channel unless it was
// cut short by ctx, which says nothing about the indexer.
func (c *Channel) recordFailure(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.health.RecordFailure()
}

// Drain removes every pending acknowledgment and returns the batches that
// were waiting on it.
func (c *Channel) Drain() []*batch.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*batch.Batch, 0, len(c.pending)+len(c.evicted))
	for id, p := range c.pending {
		out = append(out, p.batch)
		delete(c.pending, id)
	}
	for _, r := range c.evicted {
		out = append(out, r.Batch)
	}
	c.evicted = nil
	return out
}

func (c *Channel) sendURL(b *batch.Batch) string {
	if !c.opts.Raw {
		return c.base + EventPath
	}
	q := url.Values{}
	if b.Metadata.Index != "" {
		q.Set("index", b.Metadata.Index)
	}
	if b.Metadata.Source != "" {
		q.Set("source", b.Metadata.Source)
	}
	if b.Metadata.Sourcetype != "" {
		q.Set("sourcetype", b.Metadata.Sourcetype)
	}
	if b.Metadata.Host != "" {
		q.Set("host", b.Metadata.Host)
	}
	if len(q) == 0 {
		return c.base + RawPath
	}
	return c.base + RawPath + "?" + q.Encode()
}

func (c *Channel) newRequest(ctx context.Context, method, target string, payload []byte) (*http.Request, error) {
	var body io.Reader
	gzipped := false
	if payload != nil {
		if c.opts.Compress {
			compressed, err := gzipPayload(payload)
			if err != nil {
				return nil, fmt.Errorf("compressing payload: %w", err)
			}
			payload, gzipped = compressed, true
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(HeaderAuthorization, "Splunk "+c.opts.Token)
	req.Header.Set(HeaderChannel, c.id)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	return req, nil
}

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

func gzipPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	io.Copy(io.Discard, resp.Body)
	return body, err
}

func responseText(hr Response, body []byte) string {
	if hr.Text != "" {
		return hr.Text
	}
	if len(body) > 0 {
		return strings.TrimSpace(string(body))
	}
	return "empty response"
}
