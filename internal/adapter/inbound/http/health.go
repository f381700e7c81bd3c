package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/mcp-fleet/mcp-fleet/internal/fleet"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/connection"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker reports whether the fleet has at least one upstream
// eligible to take traffic. Queue depth and dropped events are included
// in the checks but do not affect the result.
type HealthChecker struct {
	manager *fleet.Manager
	version string
}

// NewHealthChecker builds a HealthChecker over manager.
func NewHealthChecker(manager *fleet.Manager, version string) *HealthChecker {
	return &HealthChecker{manager: manager, version: version}
}

// Check performs the health evaluation.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	snap := h.manager.Status()

	eligible := 0
	for _, u := range snap.Upstreams {
		if u.State == connection.StateConnected || u.State == connection.StateDegraded {
			eligible++
		}
	}
	if len(snap.Upstreams) == 0 {
		checks["upstreams"] = "no upstreams registered"
		healthy = false
	} else if eligible == 0 {
		checks["upstreams"] = fmt.Sprintf("0/%d eligible", len(snap.Upstreams))
		healthy = false
	} else {
		checks["upstreams"] = fmt.Sprintf("%d/%d eligible", eligible, len(snap.Upstreams))
	}

	checks["queue_depth"] = fmt.Sprintf("%d", snap.QueueDepth)
	if snap.DroppedEvents > 0 {
		checks["dropped_events"] = fmt.Sprintf("%d", snap.DroppedEvents)
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
