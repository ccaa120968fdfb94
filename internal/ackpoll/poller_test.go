package ackpoll

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/hec"
)

// ackAll answers every send with ackId 0 and every poll with {"0":true}.
type ackAll struct{}

func (ackAll) Do(req *http.Request) (*http.Response, error) {
	body := `{"text":"Success","code":0,"ackId":0}`
	if strings.HasSuffix(req.URL.Path, hec.AckPath) {
		body = `{"acks":{"0":true}}`
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func channels(t *testing.T, n int) []*hec.Channel {
	t.Helper()
	var out []*hec.Channel
	for i := 0; i < n; i++ {
		ch, err := hec.NewChannel("https://indexer:8088", ackAll{}, hec.Options{Token: "t", Ack: true, MaxPendingAck: time.Minute})
		require.NoError(t, err)
		out = append(out, ch)
	}
	return out
}

func send(t *testing.T, ch *hec.Channel) *batch.Batch {
	t.Helper()
	b := batch.NewBuilder(batch.Options{MaxBytes: 1 << 10})
	b.Append(batch.Record{Value: []byte("x")})
	out := b.Flush()
	_, err := ch.Send(context.Background(), out)
	require.NoError(t, err)
	return out
}

func TestStaticPartition(t *testing.T) {
	chs := channels(t, 5)
	p := New(chs, 2, time.Second, func(hec.Resolution) {})

	require.Equal(t, 2, p.Threads())
	assert.Equal(t, []*hec.Channel{chs[0], chs[2], chs[4]}, p.Partition(0))
	assert.Equal(t, []*hec.Channel{chs[1], chs[3]}, p.Partition(1))
}

func TestThreadsCappedByChannels(t *testing.T) {
	p := New(channels(t, 1), 4, time.Second, func(hec.Resolution) {})
	assert.Equal(t, 1, p.Threads())
}

func TestRunForwardsResolutions(t *testing.T) {
	chs := channels(t, 3)
	sent := map[*batch.Batch]bool{}
	for _, ch := range chs {
		sent[send(t, ch)] = true
	}

	var mu sync.Mutex
	got := map[*batch.Batch]int{}
	p := New(chs, 2, 10*time.Millisecond, func(r hec.Resolution) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, r.Err)
		got[r.Batch]++
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	for b := range sent {
		assert.Equal(t, 1, got[b])
	}
}
