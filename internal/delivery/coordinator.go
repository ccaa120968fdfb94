// Package delivery coordinates batching, dispatch, acknowledgment and retry
// of records bound for Splunk HEC.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/ackpoll"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/balancer"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/hec"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/transport"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/resilience"
)

// Coordinator owns the batching workers, channels, ack pollers and prober,
// and drives every batch to a final outcome.
type Coordinator struct {
	cfg         config.HECConfig
	builderOpts batch.Options
	transport   *transport.Transport
	channels    []*hec.Channel
	byID        map[string]*hec.Channel
	balancer    *balancer.Balancer
	poller      *ackpoll.Poller
	backoff     resilience.Backoff
	metrics     *metrics.Metrics
	reporters   []Reporter
	logger      *slog.Logger

	records chan batch.Record
	flushes []chan chan struct{}
	slots   chan struct{}
	reports chan Outcome

	mu       sync.Mutex
	inflight map[string]*batch.Batch
	idle     chan struct{}

	submitMu sync.RWMutex
	started  atomic.Bool
	stopping chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	parent       context.Context
	ctx          context.Context
	cancel       context.CancelFunc
	workers      sync.WaitGroup
	background   sync.WaitGroup
	reporterDone chan struct{}
}

// New validates cfg and builds the transport, channels, balancer and
// poller. Nothing touches the network until Start. A nil m registers a
// private metrics registry.
func New(cfg *config.Config, m *metrics.Metrics, reporters ...Reporter) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}
	builderOpts, err := batch.OptionsFromConfig(cfg.HEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}
	tr, err := transport.Build(cfg.Transport)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	h := cfg.HEC
	c := &Coordinator{
		cfg:         h,
		builderOpts: builderOpts,
		transport:   tr,
		byID:        make(map[string]*hec.Channel),
		backoff: resilience.Backoff{
			InitialDelay:   h.RetryBackoff,
			MaxDelay:       30 * h.RetryBackoff,
			Multiplier:     2,
			JitterFraction: 0.1,
		},
		metrics:      m,
		reporters:    reporters,
		logger:       slog.Default().With("component", "delivery"),
		records:      make(chan batch.Record, h.Threads),
		flushes:      make([]chan chan struct{}, h.Threads),
		slots:        make(chan struct{}, h.QueueCapacity),
		reports:      make(chan Outcome, h.QueueCapacity+h.Threads),
		inflight:     make(map[string]*batch.Batch),
		stopping:     make(chan struct{}),
		stopped:      make(chan struct{}),
		reporterDone: make(chan struct{}),
	}
	for i := range c.flushes {
		c.flushes[i] = make(chan chan struct{})
	}

	total := max(h.TotalChannels, len(h.URIs))
	for i := 0; i < total; i++ {
		uri := h.URIs[i%len(h.URIs)]
		ch, err := hec.NewChannel(uri, tr, hec.Options{
			Token:            h.Token,
			Raw:              h.Raw,
			Ack:              h.Ack,
			Compress:         tr.Compress(),
			MaxPendingAck:    h.MaxPendingAck,
			FailureThreshold: h.MaxConsecutiveFailures,
			OnHealthChange:   c.onHealthChange,
		})
		if err != nil {
			return nil, err
		}
		c.channels = append(c.channels, ch)
		c.byID[ch.ID()] = ch
		m.ChannelHealth.WithLabelValues(ch.ID()).Set(0)
	}
	c.balancer = balancer.New(c.channels, h.ProbeInterval)
	c.poller = ackpoll.New(c.channels, h.AckPollThreads, h.AckPollInterval, c.onResolution)
	return c, nil
}

// Channels returns the HEC channels in creation order.
func (c *Coordinator) Channels() []*hec.Channel { return c.channels }

// Start validates the endpoints (unless disabled) and launches the batching
// workers, ack pollers, prober and reporter. ctx bounds the engine's
// lifetime; cancelling it aborts in-flight work, so use Shutdown for a
// graceful stop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("delivery coordinator already started")
	}
	if !c.cfg.ValidationDisable {
		if err := Validate(ctx, c.cfg, c.transport); err != nil {
			c.started.Store(false)
			return err
		}
	}

	c.parent = ctx
	c.ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.cfg.Threads; i++ {
		c.workers.Add(1)
		go c.worker(i)
	}
	if c.cfg.Ack {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.poller.Run(c.ctx)
		}()
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.balancer.Run(c.ctx)
	}()
	go c.reportLoop()

	c.logger.Info("delivery coordinator started",
		"channels", len(c.channels),
		"threads", c.cfg.Threads,
		"ack", c.cfg.Ack,
		"raw", c.cfg.Raw,
		"queue_capacity", c.cfg.QueueCapacity,
		"max_batch_size", c.cfg.MaxBatchSize,
		"flush_timeout", c.cfg.FlushTimeout,
	)
	return nil
}

// Submit hands rec to a batching worker. It blocks while the outstanding
// queue is full and fails with ErrShutdown once Shutdown has begun.
func (c *Coordinator) Submit(ctx context.Context, rec batch.Record) error {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if !c.started.Load() {
		return errors.New("delivery coordinator not started")
	}
	select {
	case <-c.stopping:
		return apperrors.New(apperrors.ErrShutdown, 0, "submit rejected")
	default:
	}
	select {
	case c.records <- rec:
		c.metrics.RecordsSubmittedTotal.Inc()
		return nil
	case <-c.stopping:
		return apperrors.New(apperrors.ErrShutdown, 0, "submit rejected")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush closes every worker's open batch and returns once each has been
// dispatched.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if !c.started.Load() {
		return errors.New("delivery coordinator not started")
	}

	acks := make([]chan struct{}, 0, len(c.flushes))
	for _, f := range c.flushes {
		ack := make(chan struct{})
		select {
		case f <- ack:
			acks = append(acks, ack)
		case <-c.stopping:
			return apperrors.New(apperrors.ErrShutdown, 0, "flush interrupted")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, ack := range acks {
		select {
		case <-ack:
		case <-c.stopping:
			return apperrors.New(apperrors.ErrShutdown, 0, "flush interrupted")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown stops intake, flushes open batches and waits, bounded by the
// configured shutdown timeout and ctx, for outstanding batches to resolve.
// Batches still unresolved are reported failed with ErrShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	first := false
	c.stopOnce.Do(func() {
		close(c.stopping)
		first = true
	})
	if !first {
		<-c.stopped
		return nil
	}
	defer close(c.stopped)

	c.logger.Info("shutting down delivery coordinator", "outstanding", c.Outstanding())
	c.submitMu.Lock()
	close(c.records)
	c.submitMu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(workersDone)
	}()
	drainErr := resilience.WaitFor(waitCtx, 0, "flushing open batches", workersDone)
	if drainErr == nil {
		drainErr = c.waitIdle(waitCtx)
	}

	c.cancel()
	<-workersDone
	c.background.Wait()

	remaining := c.unresolved()
	for _, b := range remaining {
		c.finish(b, apperrors.Newf(apperrors.ErrShutdown, 0, "batch %s unresolved at shutdown", b.ID))
	}
	for _, ch := range c.channels {
		ch.Drain()
	}
	close(c.reports)
	<-c.reporterDone
	c.transport.CloseIdleConnections()

	if drainErr != nil || len(remaining) > 0 {
		c.logger.Warn("shutdown did not drain cleanly", "failed_on_shutdown", len(remaining), "error", drainErr)
		if drainErr == nil {
			drainErr = errors.New("outstanding batches remained")
		}
		return fmt.Errorf("%w: %d batches unresolved: %w", apperrors.ErrShutdown, len(remaining), drainErr)
	}
	c.logger.Info("delivery coordinator stopped")
	return nil
}

// Outstanding returns the number of dispatched batches not yet resolved.
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) worker(id int) {
	defer c.workers.Done()
	builder := batch.NewBuilder(c.builderOpts)
	ticker := time.NewTicker(ageCheckInterval(c.cfg.FlushTimeout))
	defer ticker.Stop()
	logger := c.logger.With("worker", id)

	for {
		select {
		case rec, ok := <-c.records:
			if !ok {
				if b := builder.Flush(); b != nil {
					c.dispatch(b)
				}
				logger.Debug("batching worker stopped")
				return
			}
			for _, b := range builder.Append(rec) {
				c.dispatch(b)
			}
		case now := <-ticker.C:
			if b := builder.Expire(now); b != nil {
				c.dispatch(b)
			}
		case ack := <-c.flushes[id]:
			c.drainBuffered(builder)
			if b := builder.Flush(); b != nil {
				c.dispatch(b)
			}
			close(ack)
		}
	}
}

// drainBuffered appends records already queued so a flush covers every
// record submitted before it.
func (c *Coordinator) drainBuffered(builder *batch.Builder) {
	for {
		select {
		case rec, ok := <-c.records:
			if !ok {
				return
			}
			for _, b := range builder.Append(rec) {
				c.dispatch(b)
			}
		default:
			return
		}
	}
}

func ageCheckInterval(flushTimeout time.Duration) time.Duration {
	return min(max(flushTimeout/2, 10*time.Millisecond), time.Second)
}

// dispatch takes an outstanding slot for b, blocking while the queue is
// full, and sends it.
func (c *Coordinator) dispatch(b *batch.Batch) {
	c.metrics.BatchesClosedTotal.WithLabelValues(string(b.CloseReason())).Inc()
	c.metrics.BatchBytes.Observe(float64(b.Size()))

	select {
	case c.slots <- struct{}{}:
	case <-c.ctx.Done():
		if b.Complete(apperrors.Newf(apperrors.ErrShutdown, 0, "batch %s not dispatched before shutdown", b.ID)) {
			c.metrics.BatchOutcomesTotal.WithLabelValues("shutdown").Inc()
			c.reports <- Outcome{Batch: b, Err: b.Err()}
		}
		return
	}

	c.mu.Lock()
	c.inflight[b.ID] = b
	c.mu.Unlock()
	c.metrics.OutstandingBatches.Inc()

	c.deliver(b, "")
}

// deliver sends b until it is accepted, fails terminally, or runs out of
// attempts. A transient failure moves the next attempt to another channel.
func (c *Coordinator) deliver(b *batch.Batch, exclude string) {
	var lastErr error
	for {
		if s := b.State(); s == batch.Acked || s == batch.Failed {
			return
		}
		ch, err := c.balancer.Pick(exclude)
		if err != nil {
			if !c.waitForChannel(err) {
				c.finish(b, apperrors.Newf(apperrors.ErrShutdown, 0, "batch %s: no healthy channel before shutdown", b.ID))
				return
			}
			continue
		}
		c.metrics.NoHealthyChannel.Set(0)

		start := time.Now()
		ticket, err := ch.Send(c.ctx, b)
		c.metrics.SendDuration.WithLabelValues(ch.ID()).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			c.metrics.SendsTotal.WithLabelValues(ch.ID(), "ok").Inc()
			if ticket.Pending() {
				c.metrics.PendingAcks.WithLabelValues(ch.ID()).Set(float64(ch.Pending()))
			} else {
				c.finish(b, nil)
			}
			return
		case errors.Is(err, apperrors.ErrTerminalApplication):
			c.metrics.SendsTotal.WithLabelValues(ch.ID(), "terminal").Inc()
			c.logger.Error("batch rejected by indexer", "batch_id", b.ID, "channel", ch.ID(), "error", err)
			c.finish(b, err)
			return
		case c.ctx.Err() != nil:
			c.finish(b, fmt.Errorf("%w: %w", apperrors.ErrShutdown, err))
			return
		}

		c.metrics.SendsTotal.WithLabelValues(ch.ID(), "transient").Inc()
		lastErr = err
		exclude = ch.ID()
		if b.Attempts() > c.cfg.MaxRetries {
			c.finish(b, c.exhausted(b, lastErr))
			return
		}
		c.metrics.RetriesTotal.Inc()
		c.logger.Warn("send failed, retrying on another channel",
			"batch_id", b.ID, "channel", ch.ID(), "attempt", b.Attempts(), "max_retries", c.cfg.MaxRetries, "error", err)
		if c.cfg.RetryBackoff > 0 {
			if err := c.backoff.Sleep(c.ctx, b.Attempts()); err != nil {
				c.finish(b, fmt.Errorf("%w: %w", apperrors.ErrShutdown, lastErr))
				return
			}
		}
	}
}

// waitForChannel raises the no-healthy-channel alarm and waits one probe
// interval. It returns false once the engine is cancelled.
func (c *Coordinator) waitForChannel(cause error) bool {
	c.metrics.NoHealthyChannel.Set(1)
	c.logger.Error("all channels down, dispatch stalled", "error", cause, "outstanding", c.Outstanding())
	timer := time.NewTimer(c.cfg.ProbeInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Coordinator) exhausted(b *batch.Batch, last error) error {
	return fmt.Errorf("%w: batch %s after %d attempts: %w", apperrors.ErrRetriesExhausted, b.ID, b.Attempts(), last)
}

// onResolution handles a poller resolution for a pending batch.
func (c *Coordinator) onResolution(r hec.Resolution) {
	if ch, ok := c.byID[r.Ticket.Channel]; ok {
		c.metrics.PendingAcks.WithLabelValues(ch.ID()).Set(float64(ch.Pending()))
	}
	if r.Err == nil {
		c.finish(r.Batch, nil)
		return
	}
	if !c.tracked(r.Batch) {
		return
	}
	if c.ctx.Err() != nil {
		c.finish(r.Batch, fmt.Errorf("%w: %w", apperrors.ErrShutdown, r.Err))
		return
	}
	if !apperrors.Retryable(r.Err) {
		c.finish(r.Batch, r.Err)
		return
	}
	if r.Batch.Attempts() > c.cfg.MaxRetries {
		c.finish(r.Batch, c.exhausted(r.Batch, r.Err))
		return
	}

	c.metrics.RetriesTotal.Inc()
	c.logger.Warn("acknowledgment failed, resubmitting", "batch_id", r.Batch.ID, "channel", r.Ticket.Channel, "ack_id", r.Ticket.AckID, "attempt", r.Batch.Attempts(), "error", r.Err)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.deliver(r.Batch, r.Ticket.Channel)
	}()
}

// finish resolves b once: it leaves the in-flight registry, is reported,
// and frees its outstanding slot.
func (c *Coordinator) finish(b *batch.Batch, err error) {
	if !b.Complete(err) {
		return
	}
	c.mu.Lock()
	delete(c.inflight, b.ID)
	if len(c.inflight) == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
	c.mu.Unlock()

	o := Outcome{Batch: b, Channel: b.LastChannel(), Attempts: b.Attempts(), Err: err}
	c.metrics.OutstandingBatches.Dec()
	c.metrics.BatchOutcomesTotal.WithLabelValues(o.Label()).Inc()
	if o.Acked() {
		c.metrics.AckLatency.Observe(time.Since(b.CreatedAt).Seconds())
	} else {
		c.logger.Error("batch failed", "batch_id", b.ID, "records", b.Len(), "attempts", o.Attempts, "error", err)
	}
	c.reports <- o
	<-c.slots
}

func (c *Coordinator) tracked(b *batch.Batch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[b.ID]
	return ok
}

func (c *Coordinator) unresolved() []*batch.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*batch.Batch, 0, len(c.inflight))
	for _, b := range c.inflight {
		out = append(out, b)
	}
	return out
}

func (c *Coordinator) waitIdle(ctx context.Context) error {
	c.mu.Lock()
	if len(c.inflight) == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	idle := c.idle
	c.mu.Unlock()
	return resilience.WaitFor(ctx, 0, "waiting for outstanding batches", idle)
}

func (c *Coordinator) reportLoop() {
	defer close(c.reporterDone)
	ctx := context.WithoutCancel(c.parent)
	for o := range c.reports {
		for _, r := range c.reporters {
			r.Report(ctx, o)
		}
	}
}

func (c *Coordinator) onHealthChange(channelID string, from, to resilience.Health) {
	c.metrics.ChannelHealth.WithLabelValues(channelID).Set(float64(to))
	uri := ""
	if ch, ok := c.byID[channelID]; ok {
		uri = ch.URI()
	}
	c.logger.Info("channel health changed", "channel", channelID, "uri", uri, "from", from, "to", to)
}
