package http

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mcp-fleet/mcp-fleet/internal/fleet"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.DispatchTotal == nil {
		t.Error("DispatchTotal not initialized")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration not initialized")
	}
	if m.UpstreamState == nil {
		t.Error("UpstreamState not initialized")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth not initialized")
	}
	if m.RecoveryAttempts == nil {
		t.Error("RecoveryAttempts not initialized")
	}
	if m.AlertsTotal == nil {
		t.Error("AlertsTotal not initialized")
	}
}

// TestMetrics_SatisfiesMetricsSink is a compile-time + behavioral check
// that *Metrics can be handed directly to fleet.WithMetrics.
func TestMetrics_SatisfiesMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	var _ fleet.MetricsSink = m

	m.ObserveDispatch("call_tool", "alpha", "ok", 0.01)
	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("call_tool", "alpha", "ok")); got != 1 {
		t.Errorf("DispatchTotal = %v, want 1", got)
	}

	m.SetUpstreamState("alpha", "CONNECTED")
	if got := testutil.ToFloat64(m.UpstreamState.WithLabelValues("alpha", "CONNECTED")); got != 1 {
		t.Errorf("UpstreamState[CONNECTED] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UpstreamState.WithLabelValues("alpha", "FAILED")); got != 0 {
		t.Errorf("UpstreamState[FAILED] = %v, want 0", got)
	}

	m.SetQueueDepth(3)
	if got := testutil.ToFloat64(m.QueueDepth); got != 3 {
		t.Errorf("QueueDepth = %v, want 3", got)
	}

	m.IncRecoveryAttempt("alpha", true)
	if got := testutil.ToFloat64(m.RecoveryAttempts.WithLabelValues("alpha", "recovered")); got != 1 {
		t.Errorf("RecoveryAttempts[recovered] = %v, want 1", got)
	}

	m.IncAlert("high_error_rate")
	if got := testutil.ToFloat64(m.AlertsTotal.WithLabelValues("high_error_rate")); got != 1 {
		t.Errorf("AlertsTotal[high_error_rate] = %v, want 1", got)
	}
}
