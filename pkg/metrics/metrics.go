// Package metrics defines the Prometheus collectors of the delivery engine
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the sink.
type Metrics struct {
	RecordsSubmittedTotal prometheus.Counter
	BatchesClosedTotal    *prometheus.CounterVec
	BatchBytes            prometheus.Histogram
	SendsTotal            *prometheus.CounterVec
	SendDuration          *prometheus.HistogramVec
	AckLatency            prometheus.Histogram
	RetriesTotal          prometheus.Counter
	BatchOutcomesTotal    *prometheus.CounterVec
	OutstandingBatches    prometheus.Gauge
	PendingAcks           *prometheus.GaugeVec
	ChannelHealth         *prometheus.GaugeVec
	NoHealthyChannel      prometheus.Gauge
	DeadLetterTotal       *prometheus.CounterVec
	OffsetCommitsTotal    *prometheus.CounterVec
	AdminRequestsTotal    *prometheus.CounterVec
	AdminRequestDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry lets tests build several instances.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsSubmittedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hec_records_submitted_total",
				Help: "Total records accepted by the delivery engine.",
			},
		),
		BatchesClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hec_batches_closed_total",
				Help: "Total batches closed by reason (size, age, flush, metadata).",
			},
			[]string{"reason"},
		),
		BatchBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hec_batch_bytes",
				Help:    "Framed payload size of closed batches.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hec_sends_total",
				Help: "Total batch POSTs by channel and result (ok, transient, terminal).",
			},
			[]string{"channel", "result"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hec_send_duration_seconds",
				Help:    "Batch POST latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),
		AckLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hec_ack_latency_seconds",
				Help:    "Time from first send to final acknowledgment.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hec_batch_retries_total",
				Help: "Total batch resubmissions after transient failures or ack timeouts.",
			},
		),
		BatchOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hec_batch_outcomes_total",
				Help: "Final batch outcomes (acked, failed, shutdown).",
			},
			[]string{"outcome"},
		),
		OutstandingBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hec_outstanding_batches",
				Help: "Batches dispatched but not yet resolved.",
			},
		),
		PendingAcks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hec_pending_acks",
				Help: "Outstanding acknowledgment IDs per channel.",
			},
			[]string{"channel"},
		),
		ChannelHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hec_channel_health",
				Help: "Channel health (0=healthy, 1=degraded, 2=down).",
			},
			[]string{"channel"},
		),
		NoHealthyChannel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hec_no_healthy_channel",
				Help: "1 while every channel is down and dispatch is stalled.",
			},
		),
		DeadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hec_deadletter_writes_total",
				Help: "Dead-letter writes by sink and status.",
			},
			[]string{"sink", "status"},
		),
		OffsetCommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hec_offset_commits_total",
				Help: "Upstream offset commits by status.",
			},
			[]string{"status"},
		),
		AdminRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hecsink_admin_requests_total",
				Help: "Requests to the health and metrics endpoints by route and status code.",
			},
			[]string{"route", "code"},
		),
		AdminRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hecsink_admin_request_duration_seconds",
				Help:    "Latency of health and metrics endpoint requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(
		m.RecordsSubmittedTotal,
		m.BatchesClosedTotal,
		m.BatchBytes,
		m.SendsTotal,
		m.SendDuration,
		m.AckLatency,
		m.RetriesTotal,
		m.BatchOutcomesTotal,
		m.OutstandingBatches,
		m.PendingAcks,
		m.ChannelHealth,
		m.NoHealthyChannel,
		m.DeadLetterTotal,
		m.OffsetCommitsTotal,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
