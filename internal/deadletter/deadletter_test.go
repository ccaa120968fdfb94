package deadletter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/delivery"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/resilience"
)

var failedAt = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

func failedOutcome(t *testing.T) delivery.Outcome {
	t.Helper()
	b := batch.NewBuilder(batch.Options{
		Raw:         true,
		LineBreaker: "\n",
		MaxBytes:    1 << 20,
		Defaults:    batch.Metadata{Index: "web", Sourcetype: "access_combined"},
	})
	b.Append(batch.Record{Value: []byte("GET /a")})
	b.Append(batch.Record{Value: []byte("GET /b")})
	out := b.Flush()
	require.NotNil(t, out)
	return delivery.Outcome{
		Batch:    out,
		Channel:  "ch-7",
		Attempts: 1,
		Err:      apperrors.New(apperrors.ErrTerminalApplication, 400, "incorrect index"),
	}
}

func TestNewEnvelopeCapturesBatch(t *testing.T) {
	o := failedOutcome(t)
	env := NewEnvelope(o, failedAt)

	assert.Equal(t, o.Batch.ID, env.BatchID)
	assert.Equal(t, "flush", env.CloseReason)
	assert.Equal(t, "ch-7", env.Channel)
	assert.Equal(t, 2, env.Records)
	assert.Equal(t, "GET /a\nGET /b\n", env.Payload)
	assert.Contains(t, env.Error, "incorrect index")
	require.NotNil(t, env.Metadata)
	assert.Equal(t, "web", env.Metadata.Index)
	assert.Equal(t, failedAt, env.FailedAt)
}

type fakePublisher struct {
	events []kafka.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, ev kafka.Event) error {
	f.events = append(f.events, ev)
	return f.err
}

func TestKafkaSinkKeysByBatch(t *testing.T) {
	pub := &fakePublisher{}
	env := NewEnvelope(failedOutcome(t), failedAt)

	require.NoError(t, NewKafkaSink(pub).Write(context.Background(), env))
	require.Len(t, pub.events, 1)
	assert.Equal(t, env.BatchID, pub.events[0].Key)
	assert.Equal(t, env, pub.events[0].Value)
	assert.Equal(t, "2", pub.events[0].Headers["hec-records"])
}

type fakeLister struct {
	key    string
	maxLen int64
	values []any
}

func (f *fakeLister) PushCapped(_ context.Context, key string, maxLen int64, values ...any) error {
	f.key, f.maxLen = key, maxLen
	f.values = append(f.values, values...)
	return nil
}

func TestRedisSinkPushesJSON(t *testing.T) {
	list := &fakeLister{}
	env := NewEnvelope(failedOutcome(t), failedAt)

	require.NoError(t, NewRedisSink(list, "hec:dlq", 500).Write(context.Background(), env))
	assert.Equal(t, "hec:dlq", list.key)
	assert.EqualValues(t, 500, list.maxLen)
	require.Len(t, list.values, 1)

	var got Envelope
	require.NoError(t, json.Unmarshal(list.values[0].([]byte), &got))
	assert.Equal(t, env.BatchID, got.BatchID)
	assert.Equal(t, env.Payload, got.Payload)
}

type fakePutter struct {
	mu       sync.Mutex
	failures int
	inputs   []*s3.PutObjectInput
	bodies   [][]byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("slow down")
	}
	return &s3.PutObjectOutput{}, nil
}

func decodeArchive(t *testing.T, body []byte) Envelope {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.NewDecoder(zr).Decode(&env))
	return env
}

func TestS3SinkArchivesAndRetries(t *testing.T) {
	putter := &fakePutter{failures: 1}
	sink := NewS3Sink(putter, config.DeadLetterConfig{S3Bucket: "dlq", S3Prefix: "hec-deadletter"})
	sink.backoff = resilience.Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	env := NewEnvelope(failedOutcome(t), failedAt)

	require.NoError(t, sink.Write(context.Background(), env))
	require.Len(t, putter.inputs, 2)

	in := putter.inputs[1]
	assert.Equal(t, "dlq", aws.ToString(in.Bucket))
	assert.Equal(t, "hec-deadletter/2026/10/19/"+env.BatchID+".json.gz", aws.ToString(in.Key))
	assert.Equal(t, "gzip", aws.ToString(in.ContentEncoding))
	assert.Equal(t, int64(len(putter.bodies[1])), aws.ToInt64(in.ContentLength))
	assert.Equal(t, putter.bodies[0], putter.bodies[1], "retry must resend the full body")
	assert.Equal(t, env.BatchID, decodeArchive(t, putter.bodies[1]).BatchID)
}

func TestS3SinkGivesUp(t *testing.T) {
	putter := &fakePutter{failures: 10}
	sink := NewS3Sink(putter, config.DeadLetterConfig{S3Bucket: "dlq"})
	sink.backoff = resilience.Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	err := sink.Write(context.Background(), NewEnvelope(failedOutcome(t), failedAt))
	assert.ErrorContains(t, err, "slow down")
	assert.Len(t, putter.inputs, 3)
}

func TestS3SinkAgainstHTTPEndpoint(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
	})
	sink := NewS3Sink(client, config.DeadLetterConfig{S3Bucket: "dlq", S3Prefix: "archive"})
	env := NewEnvelope(failedOutcome(t), failedAt)

	require.NoError(t, sink.Write(context.Background(), env))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/dlq/archive/2026/10/19/"), path)
	assert.Equal(t, env.Payload, decodeArchive(t, body).Payload)
}

type stubSink struct {
	name   string
	err    error
	writes int
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Write(context.Context, Envelope) error {
	s.writes++
	return s.err
}

func TestMultiJoinsSinkErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ok := &stubSink{name: "kafka"}
	bad := &stubSink{name: "redis", err: errors.New("READONLY")}
	d := NewMulti(m, ok, bad)

	err := d.Park(context.Background(), failedOutcome(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: READONLY")
	assert.Equal(t, 1, ok.writes)
	assert.Equal(t, 1, bad.writes)

	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() == "hec_deadletter_writes_total" {
			for _, mf := range f.GetMetric() {
				total += mf.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, total)
}

func TestMultiReportParksOnlyFailures(t *testing.T) {
	s := &stubSink{name: "kafka"}
	d := NewMulti(nil, s)
	o := failedOutcome(t)

	d.Report(context.Background(), delivery.Outcome{Batch: o.Batch})
	d.Report(context.Background(), delivery.Outcome{Batch: o.Batch, Err: apperrors.New(apperrors.ErrShutdown, 0, "unresolved")})
	assert.Equal(t, 0, s.writes)

	d.Report(context.Background(), o)
	assert.Equal(t, 1, s.writes)
}

func TestParkWithoutSinksFails(t *testing.T) {
	assert.Error(t, NewMulti(nil).Park(context.Background(), failedOutcome(t)))
}
