// Package resilience provides fault-tolerance primitives: a per-endpoint
// health tracker, exponential-backoff retry, and a bounded wait helper.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Health is the rotation state of an endpoint.
type Health int32

const (
	Healthy Health = iota
	Degraded
	Down
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// TrackerConfig controls when an endpoint is taken out of rotation.
type TrackerConfig struct {
	FailureThreshold int
	OnChange         func(from, to Health)
}

// HealthTracker counts consecutive transport failures of one endpoint.
// Any failure degrades it; FailureThreshold consecutive failures take it
// Down. A Degraded endpoint recovers on the next success, a Down endpoint
// only through Restore after a successful probe.
type HealthTracker struct {
	name                string
	cfg                 TrackerConfig
	mu                  sync.Mutex
	state               Health
	consecutiveFailures int
	lastFailure         time.Time
	logger              *slog.Logger
}

// NewHealthTracker creates a Healthy tracker, defaulting the threshold to 3.
func NewHealthTracker(name string, cfg TrackerConfig) *HealthTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &HealthTracker{
		name:   name,
		cfg:    cfg,
		state:  Healthy,
		logger: slog.Default().With("component", "health-tracker", "name", name),
	}
}

// State returns the current Health.
func (t *HealthTracker) State() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConsecutiveFailures returns the current failure streak.
func (t *HealthTracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFailures
}

// RecordSuccess clears the failure streak and moves Degraded back to
// Healthy. Down is left alone.
func (t *HealthTracker) RecordSuccess() {
	t.mu.Lock()
	from := t.state
	if t.state == Down {
		t.mu.Unlock()
		return
	}
	t.consecutiveFailures = 0
	t.state = Healthy
	t.mu.Unlock()
	t.notify(from, Healthy)
}

// RecordFailure extends the failure streak and demotes the endpoint.
func (t *HealthTracker) RecordFailure() {
	t.mu.Lock()
	from := t.state
	t.consecutiveFailures++
	t.lastFailure = time.Now()
	switch {
	case t.consecutiveFailures >= t.cfg.FailureThreshold:
		t.state = Down
	case t.state == Healthy:
		t.state = Degraded
	}
	to, streak := t.state, t.consecutiveFailures
	t.mu.Unlock()
	if from != to {
		t.logger.Warn("endpoint demoted", "from", from, "to", to, "consecutive_failures", streak, "threshold", t.cfg.FailureThreshold)
	}
	t.notify(from, to)
}

// Restore returns a Down endpoint to rotation. It reports false when the
// endpoint was not Down, so concurrent probes revive it only once.
func (t *HealthTracker) Restore() bool {
	t.mu.Lock()
	if t.state != Down {
		t.mu.Unlock()
		return false
	}
	t.state = Healthy
	t.consecutiveFailures = 0
	t.mu.Unlock()
	t.logger.Info("endpoint restored to rotation")
	t.notify(Down, Healthy)
	return true
}

func (t *HealthTracker) notify(from, to Health) {
	if from != to && t.cfg.OnChange != nil {
		t.cfg.OnChange(from, to)
	}
}
