package fleet

import (
	"fmt"
	"time"

	"github.com/mcp-fleet/mcp-fleet/internal/resilience/connection"
)

// isEligibleState reports whether a connection counts as "healthy" for
// the unhealthy-fraction alert: CONNECTED or DEGRADED, matching the
// selector's own eligibility predicate.
func isEligibleState(s connection.State) bool {
	return s == connection.StateConnected || s == connection.StateDegraded
}

// sweepLoop runs the periodic metrics sweep at the configured
// interval, raising alerts per spec §8's thresholds until Shutdown
// closes sweepStop.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	interval := time.Duration(m.cfg.Monitoring.SweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evaluates every upstream's live statistics against the
// configured alert thresholds and the fleet-wide unhealthy fraction,
// raising (or bumping) alerts through the coalescing ring.
func (m *Manager) sweep() {
	thresholds := m.cfg.Monitoring.AlertThresholds
	m.metrics.SetQueueDepth(m.queue.Len())

	m.mu.RLock()
	snapshot := make([]UpstreamSnapshot, 0, len(m.members))
	for name, mem := range m.members {
		snapshot = append(snapshot, UpstreamSnapshot{Name: name, State: mem.conn.State(), Stats: mem.conn.Stats()})
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.events.Publish(Event{Kind: EventMetricsSwept, At: time.Now()})
		return
	}

	unhealthy := 0
	for _, u := range snapshot {
		if u.Stats.Total > 0 && thresholds.ErrorRatePercent > 0 {
			errorRate := 100 * float64(u.Stats.Failures) / float64(u.Stats.Total)
			if errorRate >= thresholds.ErrorRatePercent {
				m.raiseAlert(u.Name, AlertHighErrorRate,
					fmt.Sprintf("error rate %.1f%% >= threshold %.1f%%", errorRate, thresholds.ErrorRatePercent))
			}
		}

		if thresholds.ResponseTimeMs > 0 && u.Stats.AvgLatencyMS >= float64(thresholds.ResponseTimeMs) {
			m.raiseAlert(u.Name, AlertSlowResponse,
				fmt.Sprintf("average latency %.0fms >= threshold %dms", u.Stats.AvgLatencyMS, thresholds.ResponseTimeMs))
		}

		if thresholds.ConsecutiveFailures > 0 && u.Stats.ConsecutiveFailures >= int64(thresholds.ConsecutiveFailures) {
			m.raiseAlert(u.Name, AlertConsecutiveFails,
				fmt.Sprintf("%d consecutive failures >= threshold %d", u.Stats.ConsecutiveFailures, thresholds.ConsecutiveFailures))
		}

		if !isEligibleState(u.State) {
			unhealthy++
		}
	}

	if thresholds.UnhealthyFractionPercent > 0 {
		fraction := 100 * float64(unhealthy) / float64(len(snapshot))
		if fraction >= thresholds.UnhealthyFractionPercent {
			m.raiseAlert("", AlertUnhealthyFraction,
				fmt.Sprintf("%.1f%% of upstreams unhealthy >= threshold %.1f%%", fraction, thresholds.UnhealthyFractionPercent))
		}
	}

	m.events.Publish(Event{Kind: EventMetricsSwept, At: time.Now()})
}

func (m *Manager) raiseAlert(upstream string, kind AlertKind, message string) {
	a := m.alerts.Raise(upstream, kind, message)
	m.metrics.IncAlert(string(kind))
	m.events.Publish(Event{Kind: EventAlertRaised, Upstream: upstream, At: a.RaisedAt, Alert: &a})
}
