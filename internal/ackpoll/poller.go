// Package ackpoll runs the background acknowledgment polling loops.
package ackpoll

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/hec"
)

// Handler receives every resolution produced by a poll.
type Handler func(hec.Resolution)

// Poller polls a static partition of channels per goroutine: channel i is
// owned by poller i % threads.
type Poller struct {
	partitions [][]*hec.Channel
	interval   time.Duration
	handle     Handler
	logger     *slog.Logger
}

// New partitions channels over threads goroutines.
func New(channels []*hec.Channel, threads int, interval time.Duration, handle Handler) *Poller {
	if threads <= 0 {
		threads = 1
	}
	if threads > len(channels) && len(channels) > 0 {
		threads = len(channels)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	partitions := make([][]*hec.Channel, threads)
	for i, ch := range channels {
		partitions[i%threads] = append(partitions[i%threads], ch)
	}
	return &Poller{
		partitions: partitions,
		interval:   interval,
		handle:     handle,
		logger:     slog.Default().With("component", "ack-poller"),
	}
}

// Partition returns the channels owned by poller goroutine i.
func (p *Poller) Partition(i int) []*hec.Channel { return p.partitions[i] }

// Threads returns the number of polling goroutines.
func (p *Poller) Threads() int { return len(p.partitions) }

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, part := range p.partitions {
		if len(part) == 0 {
			continue
		}
		i, part := i, part
		g.Go(func() error {
			p.loop(ctx, i, part)
			return nil
		})
	}
	p.logger.Info("ack pollers started", "threads", len(p.partitions), "interval", p.interval)
	return g.Wait()
}

func (p *Poller) loop(ctx context.Context, id int, channels []*hec.Channel) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx, id, channels)
		}
	}
}

// PollOnce polls every channel once, synchronously.
func (p *Poller) PollOnce(ctx context.Context) {
	for i, part := range p.partitions {
		p.pollAll(ctx, i, part)
	}
}

func (p *Poller) pollAll(ctx context.Context, id int, channels []*hec.Channel) {
	for _, ch := range channels {
		resolutions, err := ch.PollAcks(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("ack poll failed", "poller", id, "channel", ch.ID(), "uri", ch.URI(), "pending", ch.Pending(), "error", err)
		}
		for _, r := range resolutions {
			p.handle(r)
		}
	}
}
