// Package http provides the HTTP transport adapter for the fleet.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the fleet exports. It
// implements fleet.MetricsSink so a Manager can be wired directly to
// it via fleet.WithMetrics without this package importing fleet.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	UpstreamState    *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
	RecoveryAttempts *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every fleet metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DispatchTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpfleet",
				Name:      "dispatch_total",
				Help:      "Total CallTool/ReadResource dispatches by operation, upstream, and outcome",
			},
			[]string{"op", "upstream", "status"},
		),
		DispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpfleet",
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatch latency in seconds, from queue submission to result",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		UpstreamState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcpfleet",
				Name:      "upstream_state",
				Help:      "1 for the upstream's current connection state, 0 otherwise",
			},
			[]string{"upstream", "state"},
		),
		QueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpfleet",
				Name:      "queue_depth",
				Help:      "Current number of requests waiting in the dispatch queue",
			},
		),
		RecoveryAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpfleet",
				Name:      "recovery_attempts_total",
				Help:      "Total recovery attempts by upstream and outcome",
			},
			[]string{"upstream", "outcome"},
		),
		AlertsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpfleet",
				Name:      "alerts_total",
				Help:      "Total alerts raised by kind",
			},
			[]string{"kind"},
		),
		AdminRequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpfleet",
				Name:      "admin_requests_total",
				Help:      "Total requests served by the admin/status HTTP surface, by method and outcome",
			},
			[]string{"method", "status"},
		),
		AdminRequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpfleet",
				Name:      "admin_request_duration_seconds",
				Help:      "Admin/status HTTP surface request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// ObserveDispatch implements fleet.MetricsSink.
func (m *Metrics) ObserveDispatch(op, upstream, status string, durationSeconds float64) {
	m.DispatchTotal.WithLabelValues(op, upstream, status).Inc()
	m.DispatchDuration.WithLabelValues(op).Observe(durationSeconds)
}

// SetUpstreamState implements fleet.MetricsSink. It zeroes every other
// known state for the upstream so the gauge set always has exactly one
// state at value 1 per upstream, matching the usual "state machine as
// gauge" Prometheus convention.
func (m *Metrics) SetUpstreamState(upstream, state string) {
	for _, s := range []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "DEGRADED", "CIRCUIT_OPEN", "FAILED", "SHUTTING_DOWN"} {
		if s == state {
			m.UpstreamState.WithLabelValues(upstream, s).Set(1)
		} else {
			m.UpstreamState.WithLabelValues(upstream, s).Set(0)
		}
	}
}

// SetQueueDepth implements fleet.MetricsSink.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// IncRecoveryAttempt implements fleet.MetricsSink.
func (m *Metrics) IncRecoveryAttempt(upstream string, recovered bool) {
	outcome := "failed"
	if recovered {
		outcome = "recovered"
	}
	m.RecoveryAttempts.WithLabelValues(upstream, outcome).Inc()
}

// IncAlert implements fleet.MetricsSink.
func (m *Metrics) IncAlert(kind string) {
	m.AlertsTotal.WithLabelValues(kind).Inc()
}
