// Package balancer spreads batches across HEC channels and brings Down
// channels back into rotation.
package balancer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/hec"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/resilience"
)

// Balancer picks channels round-robin, skipping Down ones. Pick is lock-free.
type Balancer struct {
	channels      []*hec.Channel
	cursor        atomic.Uint64
	probeInterval time.Duration
	probes        singleflight.Group
	logger        *slog.Logger
}

// New creates a Balancer over channels. probeInterval defaults to 10s.
func New(channels []*hec.Channel, probeInterval time.Duration) *Balancer {
	if probeInterval <= 0 {
		probeInterval = 10 * time.Second
	}
	return &Balancer{
		channels:      channels,
		probeInterval: probeInterval,
		logger:        slog.Default().With("component", "balancer"),
	}
}

// Channels returns the managed channels.
func (b *Balancer) Channels() []*hec.Channel { return b.channels }

// Pick returns the next channel that is not Down. The channel whose ID is
// exclude is skipped unless it is the only one available.
func (b *Balancer) Pick(exclude string) (*hec.Channel, error) {
	n := len(b.channels)
	if n == 0 {
		return nil, apperrors.New(apperrors.ErrNoHealthyChannel, 0, "no channels configured")
	}
	start := b.cursor.Add(1) - 1
	var fallback *hec.Channel
	for i := 0; i < n; i++ {
		ch := b.channels[(start+uint64(i))%uint64(n)]
		if ch.Health() == resilience.Down {
			continue
		}
		if exclude != "" && ch.ID() == exclude {
			fallback = ch
			continue
		}
		return ch, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, apperrors.Newf(apperrors.ErrNoHealthyChannel, 0, "all %d channels are down", n)
}

// Available returns the number of channels not Down.
func (b *Balancer) Available() int {
	count := 0
	for _, ch := range b.channels {
		if ch.Health() != resilience.Down {
			count++
		}
	}
	return count
}

// Run probes Down channels every probe interval until ctx is cancelled.
func (b *Balancer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.probeInterval)
	defer ticker.Stop()
	b.logger.Info("channel prober started", "interval", b.probeInterval, "channels", len(b.channels))
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("channel prober stopped")
			return
		case <-ticker.C:
			b.ProbeDown(ctx)
		}
	}
}

// ProbeDown probes every Down channel concurrently and returns how many were
// restored. Overlapping probes of one channel share a single request.
func (b *Balancer) ProbeDown(ctx context.Context) int {
	var wg sync.WaitGroup
	var restored atomic.Int32
	for _, ch := range b.channels {
		if ch.Health() != resilience.Down {
			continue
		}
		wg.Add(1)
		go func(ch *hec.Channel) {
			defer wg.Done()
			if err := b.Probe(ctx, ch); err != nil {
				b.logger.Debug("channel still down", "channel", ch.ID(), "uri", ch.URI(), "error", err)
				return
			}
			restored.Add(1)
		}(ch)
	}
	wg.Wait()
	return int(restored.Load())
}

// Probe probes ch, collapsing concurrent calls for the same channel.
func (b *Balancer) Probe(ctx context.Context, ch *hec.Channel) error {
	_, err, _ := b.probes.Do(ch.ID(), func() (any, error) {
		return nil, ch.Probe(ctx)
	})
	return err
}
