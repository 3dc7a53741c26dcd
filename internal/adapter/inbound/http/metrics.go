// Package http implements the HTTP/SSE and Streamable-HTTP inbound
// transport adapters.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus series this inbound adapter records.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
}

// NewMetrics creates and registers the gateway's inbound HTTP metrics with
// the given registry. Grounded on NewMetrics(reg), re-pointed at the
// gateway's own request surface (method/status only - the original
// policy/audit/rate-limit series have no analog here).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xiaozhi_gateway",
				Name:      "http_requests_total",
				Help:      "Total number of inbound HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "xiaozhi_gateway",
				Name:      "http_request_duration_seconds",
				Help:      "Inbound HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "xiaozhi_gateway",
				Name:      "active_sse_sessions",
				Help:      "Number of open SSE/Streamable-HTTP sessions",
			},
		),
	}
}
