package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/hec"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/health"
)

// indexer is an in-process HEC endpoint.
type indexer struct {
	mu       sync.Mutex
	status   int
	body     string
	ackAll   bool
	nextAck  int64
	payloads []string
	sends    atomic.Int32
}

func newIndexer() *indexer {
	return &indexer{status: http.StatusOK, ackAll: true}
}

func (x *indexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	x.mu.Lock()
	defer x.mu.Unlock()
	switch r.URL.Path {
	case hec.EventPath, hec.RawPath:
		x.sends.Add(1)
		if x.status != http.StatusOK {
			w.WriteHeader(x.status)
			io.WriteString(w, x.body)
			return
		}
		if len(body) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"text":"No data","code":5}`)
			return
		}
		x.payloads = append(x.payloads, string(body))
		id := x.nextAck
		x.nextAck++
		io.WriteString(w, `{"text":"Success","code":0,"ackId":`+strconv.FormatInt(id, 10)+`}`)
	case hec.AckPath:
		var req struct {
			Acks []int64 `json:"acks"`
		}
		json.Unmarshal(body, &req)
		acks := map[string]bool{}
		for _, id := range req.Acks {
			acks[strconv.FormatInt(id, 10)] = x.ackAll
		}
		json.NewEncoder(w).Encode(map[string]any{"acks": acks})
	case hec.HealthPath:
		io.WriteString(w, `{"text":"HEC is healthy","code":17}`)
	}
}

func (x *indexer) received() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.payloads...)
}

// collector records every outcome.
type collector struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *collector) Report(_ context.Context, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

func (c *collector) all() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}

func testConfig(uris ...string) *config.Config {
	cfg := config.Default()
	cfg.HEC.URIs = uris
	cfg.HEC.Token = "test-token"
	cfg.HEC.Raw = true
	cfg.HEC.TotalChannels = len(uris)
	cfg.HEC.FlushTimeout = 20 * time.Millisecond
	cfg.HEC.AckPollInterval = 10 * time.Millisecond
	cfg.HEC.AckPollThreads = 1
	cfg.HEC.MaxPendingAck = 5 * time.Second
	cfg.HEC.ProbeInterval = 20 * time.Millisecond
	cfg.HEC.RetryBackoff = time.Millisecond
	cfg.HEC.ShutdownTimeout = 2 * time.Second
	cfg.HEC.ValidationDisable = true
	cfg.Transport.SocketTimeout = 2 * time.Second
	return cfg
}

func start(t *testing.T, cfg *config.Config, reporters ...Reporter) *Coordinator {
	t.Helper()
	c, err := New(cfg, nil, reporters...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func submit(t *testing.T, c *Coordinator, values ...string) {
	t.Helper()
	for _, v := range values {
		require.NoError(t, c.Submit(context.Background(), batch.Record{Value: []byte(v)}))
	}
}

func TestRecordsAreBatchedAndAcked(t *testing.T) {
	idx := newIndexer()
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.HEC.LineBreaker = ""
	cfg.HEC.MaxBatchSize = 250
	cfg.HEC.FlushTimeout = time.Hour
	out := &collector{}
	c := start(t, cfg, out)

	submit(t, c, string(make100('a')), string(make100('b')), string(make100('c')))
	require.NoError(t, c.Flush(context.Background()))

	require.Eventually(t, func() bool { return out.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	outcomes := out.all()
	var sizes []int
	for _, o := range outcomes {
		assert.True(t, o.Acked())
		assert.Equal(t, "acked", o.Label())
		assert.Equal(t, 1, o.Attempts)
		assert.Equal(t, batch.Acked, o.Batch.State())
		sizes = append(sizes, o.Batch.Size())
	}
	assert.ElementsMatch(t, []int{200, 100}, sizes)
	assert.Zero(t, c.Outstanding())
}

func make100(b byte) []byte {
	out := make([]byte, 100)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestFlushTimeoutClosesIdleBatch(t *testing.T) {
	idx := newIndexer()
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.HEC.FlushTimeout = 50 * time.Millisecond
	out := &collector{}
	c := start(t, cfg, out)

	submit(t, c, "lonely record")
	require.Eventually(t, func() bool { return out.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	o := out.all()[0]
	assert.True(t, o.Acked())
	assert.Equal(t, batch.ClosedByAge, o.Batch.CloseReason())
	assert.Equal(t, []string{"lonely record\n"}, idx.received())
}

func TestInvalidIndexIsNotRetried(t *testing.T) {
	idx := newIndexer()
	idx.status = http.StatusBadRequest
	idx.body = `{"text":"Incorrect index","code":7}`
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL, ts.URL)
	out := &collector{}
	c := start(t, cfg, out)

	submit(t, c, "x")
	require.NoError(t, c.Flush(context.Background()))
	require.Eventually(t, func() bool { return out.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	o := out.all()[0]
	assert.ErrorIs(t, o.Err, apperrors.ErrTerminalApplication)
	assert.Equal(t, "failed", o.Label())
	assert.Equal(t, int32(1), idx.sends.Load())
	assert.Equal(t, 2, c.Health().Available)
}

func TestTransientFailureRetriesOnAnotherChannel(t *testing.T) {
	busy := newIndexer()
	busy.status = http.StatusServiceUnavailable
	busy.body = `{"text":"Server is busy","code":9}`
	busyTS := httptest.NewServer(busy)
	defer busyTS.Close()
	good := newIndexer()
	goodTS := httptest.NewServer(good)
	defer goodTS.Close()

	cfg := testConfig(busyTS.URL, goodTS.URL)
	out := &collector{}
	c := start(t, cfg, out)

	for i := 0; i < 4; i++ {
		submit(t, c, "event-"+strconv.Itoa(i))
		require.NoError(t, c.Flush(context.Background()))
	}
	require.Eventually(t, func() bool { return out.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	for _, o := range out.all() {
		assert.NoError(t, o.Err)
		assert.LessOrEqual(t, o.Attempts, 2)
	}
	assert.Len(t, good.received(), 4)
}

func TestRetriesExhausted(t *testing.T) {
	idx := newIndexer()
	idx.status = http.StatusInternalServerError
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.HEC.MaxRetries = 2
	cfg.HEC.MaxConsecutiveFailures = 100
	out := &collector{}
	c := start(t, cfg, out)

	submit(t, c, "x")
	require.NoError(t, c.Flush(context.Background()))
	require.Eventually(t, func() bool { return out.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	o := out.all()[0]
	assert.ErrorIs(t, o.Err, apperrors.ErrRetriesExhausted)
	assert.ErrorIs(t, o.Err, apperrors.ErrTransientTransport)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, int32(3), idx.sends.Load())
}

func TestAckTimeoutIsResubmitted(t *testing.T) {
	idx := newIndexer()
	idx.ackAll = false
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL, ts.URL)
	cfg.HEC.MaxPendingAck = 30 * time.Millisecond
	cfg.HEC.MaxRetries = 1
	out := &collector{}
	c := start(t, cfg, out)

	submit(t, c, "x")
	require.NoError(t, c.Flush(context.Background()))
	require.Eventually(t, func() bool { return out.count() == 1 }, 3*time.Second, 5*time.Millisecond)

	o := out.all()[0]
	assert.ErrorIs(t, o.Err, apperrors.ErrRetriesExhausted)
	assert.ErrorIs(t, o.Err, apperrors.ErrAckTimeout)
	assert.Equal(t, 2, o.Attempts)
	assert.Len(t, idx.received(), 2)
}

func TestBackpressureWhenAllChannelsDown(t *testing.T) {
	ts := httptest.NewServer(newIndexer())
	uri := ts.URL
	ts.Close()

	cfg := testConfig(uri)
	cfg.HEC.Threads = 1
	cfg.HEC.QueueCapacity = 1
	cfg.HEC.MaxBatchSize = 1
	cfg.HEC.MaxConsecutiveFailures = 1
	cfg.HEC.ShutdownTimeout = 100 * time.Millisecond
	out := &collector{}
	c, err := New(cfg, nil, out)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	submit(t, c, "a", "b")
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = c.Submit(ctx, batch.Record{Value: []byte("c")})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "submit blocks while every channel is down")

	status := c.Health()
	assert.Zero(t, status.Available)
	assert.Equal(t, 1, status.Outstanding)

	checker := health.NewChecker()
	c.RegisterHealthChecks(checker)
	assert.Equal(t, health.StatusDown, checker.Run(context.Background()).Status)

	err = c.Shutdown(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrShutdown)

	outcomes := out.all()
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, apperrors.ErrShutdown)
		assert.Equal(t, "shutdown", o.Label())
		assert.Equal(t, batch.Failed, o.Batch.State())
	}
	assert.ErrorIs(t, c.Submit(context.Background(), batch.Record{Value: []byte("d")}), apperrors.ErrShutdown)
}

func TestShutdownWaitsForOutstandingAcks(t *testing.T) {
	idx := newIndexer()
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.HEC.FlushTimeout = time.Hour
	out := &collector{}
	c, err := New(cfg, nil, out)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	submit(t, c, "one", "two", "three")
	require.NoError(t, c.Shutdown(context.Background()))

	outcomes := out.all()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Acked())
	assert.Equal(t, 3, outcomes[0].Batch.Len())
	assert.Equal(t, batch.ClosedByFlush, outcomes[0].Batch.CloseReason())
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestAckDisabledCompletesOnSend(t *testing.T) {
	idx := newIndexer()
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.HEC.Ack = false
	cfg.HEC.Raw = false
	out := &collector{}
	c := start(t, cfg, out)

	submit(t, c, `{"k":"v"}`)
	require.NoError(t, c.Flush(context.Background()))
	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, out.all()[0].Acked())
	assert.JSONEq(t, `{"event":{"k":"v"}}`, idx.received()[0])
}

func TestStartValidatesEndpoints(t *testing.T) {
	idx := newIndexer()
	idx.status = http.StatusForbidden
	idx.body = `{"text":"Invalid token","code":4}`
	ts := httptest.NewServer(idx)
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.HEC.ValidationDisable = false
	c, err := New(cfg, nil)
	require.NoError(t, err)
	err = c.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	idx.mu.Lock()
	idx.status = http.StatusOK
	idx.mu.Unlock()
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	var verr *config.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "hec.uris")
}

func TestAckTimeoutAfterCancelIsReportedAsShutdown(t *testing.T) {
	ts := httptest.NewServer(newIndexer())
	defer ts.Close()

	out := &collector{}
	c := start(t, testConfig(ts.URL), out)

	builder := batch.NewBuilder(batch.Options{Raw: true, LineBreaker: "\n", MaxBytes: 1 << 20})
	builder.Append(batch.Record{Value: []byte("x")})
	b := builder.Flush()
	require.NotNil(t, b)

	ch := c.Channels()[0]
	c.slots <- struct{}{}
	c.mu.Lock()
	c.inflight[b.ID] = b
	c.mu.Unlock()
	b.MarkSent(ch.ID())
	b.MarkAwaitingAck()

	c.cancel()
	c.onResolution(hec.Resolution{
		Batch:  b,
		Ticket: hec.Ticket{Channel: ch.ID(), AckID: 0},
		Err:    apperrors.Newf(apperrors.ErrAckTimeout, 0, "ack id 0 pending too long"),
	})

	require.Eventually(t, func() bool { return out.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	o := out.all()[0]
	assert.Equal(t, "shutdown", o.Label())
	assert.ErrorIs(t, o.Err, apperrors.ErrShutdown)
	assert.ErrorIs(t, o.Err, apperrors.ErrAckTimeout)
	assert.Zero(t, c.Outstanding())
}
