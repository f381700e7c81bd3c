package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mcp-fleet/mcp-fleet/internal/domain/upstream"
	"github.com/mcp-fleet/mcp-fleet/internal/fleet"
)

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	Upstreams     []UpstreamStatus `json:"upstreams"`
	Alerts        []fleet.Alert    `json:"alerts"`
	QueueDepth    int              `json:"queue_depth"`
	DroppedEvents int64            `json:"dropped_events"`
}

// UpstreamStatus is one upstream's entry in StatusResponse.
type UpstreamStatus struct {
	Name                string  `json:"name"`
	State               string  `json:"state"`
	Total               int64   `json:"total"`
	Successes           int64   `json:"successes"`
	Failures            int64   `json:"failures"`
	InFlight            int64   `json:"in_flight"`
	ConsecutiveFailures int64   `json:"consecutive_failures"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
}

// StatusHandler serves the fleet's point-in-time status as JSON.
func StatusHandler(manager *fleet.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := manager.Status()

		resp := StatusResponse{
			Upstreams:     make([]UpstreamStatus, 0, len(snap.Upstreams)),
			Alerts:        snap.Alerts,
			QueueDepth:    snap.QueueDepth,
			DroppedEvents: snap.DroppedEvents,
		}
		for _, u := range snap.Upstreams {
			resp.Upstreams = append(resp.Upstreams, UpstreamStatus{
				Name:                u.Name,
				State:               string(u.State),
				Total:               u.Stats.Total,
				Successes:           u.Stats.Successes,
				Failures:            u.Stats.Failures,
				InFlight:            u.Stats.InFlight,
				ConsecutiveFailures: u.Stats.ConsecutiveFailures,
				AvgLatencyMS:        u.Stats.AvgLatencyMS,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// RecoverHandler serves POST /upstreams/{name}/recover, bypassing the
// configured failover strategy to force an immediate recovery attempt
// for the named upstream.
func RecoverHandler(manager *fleet.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		name := r.PathValue("name")
		if name == "" {
			http.Error(w, "upstream name required", http.StatusBadRequest)
			return
		}

		if err := manager.ForceRecovery(name); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// AddUpstreamRequest is the JSON body for POST /upstreams.
type AddUpstreamRequest struct {
	Name         string            `json:"name"`
	Transport    string            `json:"transport"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port,omitempty"`
	URL          string            `json:"url,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// AddUpstreamHandler serves POST /upstreams, registering a new upstream
// with the fleet at runtime.
func AddUpstreamHandler(manager *fleet.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		var req AddUpstreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		d := upstream.Descriptor{
			Name:         req.Name,
			Transport:    upstream.TransportKind(req.Transport),
			Command:      req.Command,
			Args:         req.Args,
			Env:          req.Env,
			Host:         req.Host,
			Port:         req.Port,
			URL:          req.URL,
			Capabilities: req.Capabilities,
			AddedAt:      time.Now(),
		}

		if err := manager.AddUpstream(r.Context(), d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusCreated)
	})
}

// RemoveUpstreamHandler serves DELETE /upstreams/{name}, unregistering
// an upstream from the fleet at runtime.
func RemoveUpstreamHandler(manager *fleet.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.Header().Set("Allow", http.MethodDelete)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		name := r.PathValue("name")
		if name == "" {
			http.Error(w, "upstream name required", http.StatusBadRequest)
			return
		}

		if err := manager.RemoveUpstream(r.Context(), name); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

// RegisterRoutes mounts the fleet's admin/status surface onto mux: GET
// /status, GET /health, GET /metrics, POST /upstreams, DELETE
// /upstreams/{name}, POST /upstreams/{name}/recover. metricsHandler is
// typically promhttp.HandlerFor(reg, ...).
func RegisterRoutes(mux *http.ServeMux, manager *fleet.Manager, health *HealthChecker, metricsHandler http.Handler) {
	mux.Handle("GET /status", StatusHandler(manager))
	mux.Handle("GET /health", health.Handler())
	mux.Handle("POST /upstreams", AddUpstreamHandler(manager))
	mux.Handle("DELETE /upstreams/{name}", RemoveUpstreamHandler(manager))
	mux.Handle("POST /upstreams/{name}/recover", RecoverHandler(manager))
	mux.Handle("GET /metrics", metricsHandler)
}
