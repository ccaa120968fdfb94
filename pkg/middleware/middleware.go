// Package middleware wraps the admin HTTP handlers (health probes) with
// request metrics and a response deadline.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/metrics"
)

// Instrument counts requests to route by status code and observes their
// latency.
func Instrument(m *metrics.Metrics, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.AdminRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
			m.AdminRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// Timeout answers 503 when next has not responded within timeout. A health
// check stuck on a dead endpoint then reads as not ready instead of hanging
// the probe.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		logged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if r.Context().Err() != nil {
				slog.Warn("admin request timed out", "path", r.URL.Path, "timeout", timeout)
			}
		})
		return http.TimeoutHandler(logged, timeout, `{"status":"DOWN","error":"timeout"}`)
	}
}

// Chain applies mws so the first one is outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}
