package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/resilience"
)

func static(s Status) Check {
	return func(context.Context) ComponentHealth { return ComponentHealth{Status: s} }
}

func TestRunAggregates(t *testing.T) {
	c := NewChecker()
	c.Register("channel-0", static(StatusUp))
	c.Register("channel-1", static(StatusDown))
	assert.Equal(t, StatusDegraded, c.Run(context.Background()).Status)

	c.RegisterCritical("delivery", static(StatusDown))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Len(t, report.Components, 3)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("channel-0", static(StatusDegraded))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.RegisterCritical("delivery", static(StatusDown))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"delivery"`)
}

func TestFromHealth(t *testing.T) {
	assert.Equal(t, StatusUp, FromHealth(resilience.Healthy))
	assert.Equal(t, StatusDegraded, FromHealth(resilience.Degraded))
	assert.Equal(t, StatusDown, FromHealth(resilience.Down))
}
