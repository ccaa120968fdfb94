package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthTrackerTransitions(t *testing.T) {
	var mu sync.Mutex
	var changes []Health
	tr := NewHealthTracker("idx1", TrackerConfig{
		FailureThreshold: 3,
		OnChange: func(_, to Health) {
			mu.Lock()
			changes = append(changes, to)
			mu.Unlock()
		},
	})

	assert.Equal(t, Healthy, tr.State())

	tr.RecordFailure()
	assert.Equal(t, Degraded, tr.State())

	tr.RecordSuccess()
	assert.Equal(t, Healthy, tr.State())
	assert.Equal(t, 0, tr.ConsecutiveFailures())

	tr.RecordFailure()
	tr.RecordFailure()
	assert.Equal(t, Degraded, tr.State())
	tr.RecordFailure()
	assert.Equal(t, Down, tr.State())

	tr.RecordSuccess()
	assert.Equal(t, Down, tr.State(), "only a probe restores a Down endpoint")

	assert.True(t, tr.Restore())
	assert.False(t, tr.Restore())
	assert.Equal(t, Healthy, tr.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Health{Degraded, Healthy, Degraded, Down, Healthy}, changes)
}

func TestHealthTrackerConcurrentRestore(t *testing.T) {
	tr := NewHealthTracker("idx1", TrackerConfig{FailureThreshold: 1})
	tr.RecordFailure()
	require.Equal(t, Down, tr.State())

	var wg sync.WaitGroup
	var mu sync.Mutex
	restored := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Restore() {
				mu.Lock()
				restored++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, restored)
}

func TestBackoffDelayCapped(t *testing.T) {
	b := Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 20*time.Millisecond, b.Delay(2))
	assert.Equal(t, 40*time.Millisecond, b.Delay(3))
	assert.Equal(t, 40*time.Millisecond, b.Delay(10))
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "flaky", 3, Backoff{InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	sentinel := errors.New("always")
	err = Retry(context.Background(), "broken", 2, Backoff{InitialDelay: time.Millisecond}, func(context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestWaitFor(t *testing.T) {
	done := make(chan struct{})
	close(done)
	assert.NoError(t, WaitFor(context.Background(), time.Second, "closed", done))

	err := WaitFor(context.Background(), 10*time.Millisecond, "never", make(chan struct{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
