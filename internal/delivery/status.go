package delivery

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/resilience"
)

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	ID          string            `json:"id"`
	URI         string            `json:"uri"`
	Health      resilience.Health `json:"-"`
	State       string            `json:"state"`
	PendingAcks int               `json:"pendingAcks"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Channels    []ChannelStatus `json:"channels"`
	Available   int             `json:"available"`
	Outstanding int             `json:"outstanding"`
	Stopping    bool            `json:"stopping"`
}

// Health reports channel states and queue depth.
func (c *Coordinator) Health() Status {
	s := Status{Outstanding: c.Outstanding()}
	select {
	case <-c.stopping:
		s.Stopping = true
	default:
	}
	for _, ch := range c.channels {
		h := ch.Health()
		if h != resilience.Down {
			s.Available++
		}
		s.Channels = append(s.Channels, ChannelStatus{
			ID:          ch.ID(),
			URI:         ch.URI(),
			Health:      h,
			State:       h.String(),
			PendingAcks: ch.Pending(),
		})
	}
	return s
}

// RegisterHealthChecks adds one check per channel and a critical engine
// check that fails when every channel is down or the engine is stopping.
func (c *Coordinator) RegisterHealthChecks(checker *health.Checker) {
	for i, ch := range c.channels {
		ch := ch
		checker.Register(fmt.Sprintf("hec-channel-%d", i), func(context.Context) health.ComponentHealth {
			return health.ComponentHealth{
				Status:  health.FromHealth(ch.Health()),
				Message: fmt.Sprintf("%s pending_acks=%d", ch.URI(), ch.Pending()),
			}
		})
	}
	checker.RegisterCritical("hec-delivery", func(context.Context) health.ComponentHealth {
		s := c.Health()
		switch {
		case s.Stopping:
			return health.ComponentHealth{Status: health.StatusDown, Message: "shutting down"}
		case s.Available == 0:
			return health.ComponentHealth{Status: health.StatusDown, Message: "no healthy channel"}
		case s.Available < len(s.Channels):
			return health.ComponentHealth{Status: health.StatusDegraded, Message: fmt.Sprintf("%d/%d channels available, %d outstanding", s.Available, len(s.Channels), s.Outstanding)}
		default:
			return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d outstanding", s.Outstanding)}
		}
	})
}
