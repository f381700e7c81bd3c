// Package config provides configuration types for the MCP fleet proxy.
//
// The schema covers only the resilience and dispatch layer named by the
// fleet specification: upstream descriptors, load balancing, failover,
// circuit breaker, health checking, recovery, shared resource limits, and
// monitoring. It intentionally excludes the auth/policy/RBAC/HTTP-gateway
// surface the teacher config carried -- those are out of scope here.
package config

import (
	"github.com/spf13/viper"
)

// FleetConfig is the top-level configuration for the fleet proxy.
type FleetConfig struct {
	// Server configures the HTTP admin/status/metrics listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstreams optionally seeds the fleet with statically configured
	// upstream descriptors. Additional upstreams can be added at runtime
	// via the admin API; these are merged with any persisted state.
	Upstreams []UpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"omitempty,dive"`

	// LoadBalancing configures upstream selection.
	LoadBalancing LoadBalancingConfig `yaml:"load_balancing" mapstructure:"load_balancing"`

	// Failover configures automatic/manual recovery strategy.
	Failover FailoverConfig `yaml:"failover" mapstructure:"failover"`

	// CircuitBreaker configures the default breaker settings applied to
	// every connection's own circuit breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`

	// HealthCheck configures the default health prober settings applied
	// to every connection's own health prober.
	HealthCheck HealthCheckConfig `yaml:"health_check" mapstructure:"health_check"`

	// Recovery configures the fleet-wide FAILED-state recovery scheduler.
	Recovery RecoveryConfig `yaml:"recovery" mapstructure:"recovery"`

	// Resources configures fleet-wide shared resource limits.
	Resources ResourcesConfig `yaml:"resources" mapstructure:"resources"`

	// Monitoring configures the periodic metrics sweep and alert thresholds.
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`

	// StateFile is the path to the persisted upstream descriptor store
	// (see internal/adapter/outbound/state). The --state flag overrides
	// it; when both are empty, ./state.json is used.
	StateFile string `yaml:"state_file" mapstructure:"state_file"`

	// DevMode enables development features (verbose logging, permissive
	// defaults for otherwise-required fields).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP admin/status/metrics server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins lists the Origin header values the admin/status
	// surface accepts for DNS-rebinding protection. A request carrying
	// an Origin header not in this list is rejected; requests with no
	// Origin header (same-origin, curl, server-to-server) always pass.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// UpstreamConfig statically declares one upstream MCP server.
// Exactly one transport variant (Command, TCP, or WS) must be set.
type UpstreamConfig struct {
	// Name is the unique identifier for this upstream.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Command spawns the upstream as a local subprocess communicating
	// over stdio.
	Command string `yaml:"command" mapstructure:"command"`
	// Args are arguments passed to Command.
	Args []string `yaml:"args" mapstructure:"args"`
	// Env are additional environment variables passed to the subprocess,
	// in "KEY=VALUE" form.
	Env []string `yaml:"env" mapstructure:"env"`

	// TCP addresses a network upstream speaking newline-delimited
	// JSON-RPC over TCP, "host:port".
	TCP string `yaml:"tcp" mapstructure:"tcp"`

	// WS addresses a network upstream speaking JSON-RPC over a
	// WebSocket, e.g. "ws://host:port/mcp".
	WS string `yaml:"ws" mapstructure:"ws"`

	// Priority is accepted in the config file but not used: it is not
	// carried into the upstream descriptor and no selection strategy
	// reads it.
	Priority int `yaml:"priority" mapstructure:"priority"`
}

// LoadBalancingConfig configures upstream selection.
type LoadBalancingConfig struct {
	// Strategy is the selection strategy.
	// One of: round-robin, least-connections, least-response-time,
	// health-weighted, random.
	Strategy string `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=round-robin least-connections least-response-time health-weighted random"`

	// DegradedEligible controls whether a DEGRADED connection may still
	// receive new traffic. Defaults to true.
	DegradedEligible bool `yaml:"degraded_eligible" mapstructure:"degraded_eligible"`

	// MaxConcurrentRequests bounds fleet-wide in-flight requests.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" mapstructure:"max_concurrent_requests" validate:"omitempty,min=1"`

	// MaxConcurrentRequestsPerUpstream bounds per-connection in-flight
	// requests (the connection's InFlightCeiling).
	MaxConcurrentRequestsPerUpstream int `yaml:"max_concurrent_requests_per_upstream" mapstructure:"max_concurrent_requests_per_upstream" validate:"omitempty,min=1"`

	// DefaultRequestTimeoutMs is the default per-call deadline when a
	// caller does not supply its own.
	DefaultRequestTimeoutMs int `yaml:"default_request_timeout_ms" mapstructure:"default_request_timeout_ms" validate:"omitempty,min=1"`
}

// FailoverConfig configures the automatic/manual recovery strategy.
type FailoverConfig struct {
	// Strategy is one of: immediate, circuit-breaker, gradual, manual.
	Strategy string `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=immediate circuit-breaker gradual manual"`

	// AutoFailover enables automatic traffic rerouting away from an
	// unhealthy upstream (as opposed to surfacing errors to the caller).
	AutoFailover bool `yaml:"auto_failover" mapstructure:"auto_failover"`

	// FailbackDelayMs is the delay before a circuit-breaker-strategy
	// recovery attempt is scheduled.
	FailbackDelayMs int `yaml:"failback_delay_ms" mapstructure:"failback_delay_ms" validate:"omitempty,min=0"`

	// PreRecoveryHealthCheck runs a health probe before each recovery
	// reconnect attempt; a failed probe reschedules the attempt with
	// backoff instead of connecting. It has no effect when the health-check
	// strategy is "none".
	PreRecoveryHealthCheck bool `yaml:"pre_recovery_health_check" mapstructure:"pre_recovery_health_check"`

	// GradualWarmupMs is the warm-up window over which a gradual-strategy
	// recovery's selection weight ramps from 0 to 1.
	GradualWarmupMs int `yaml:"gradual_warmup_ms" mapstructure:"gradual_warmup_ms" validate:"omitempty,min=0"`
}

// CircuitBreakerConfig configures the default per-connection breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"omitempty,min=1"`
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold" validate:"omitempty,min=1"`
	CooldownMs       int `yaml:"cooldown_ms" mapstructure:"cooldown_ms" validate:"omitempty,min=1"`
	// RollingWindow is optional; zero disables rolling-window accounting
	// in favor of plain consecutive-failure counting.
	RollingWindow int `yaml:"rolling_window" mapstructure:"rolling_window" validate:"omitempty,min=0"`
}

// HealthCheckConfig configures the default per-connection health prober.
type HealthCheckConfig struct {
	// Strategy is one of: none, ping-tool, list-tools, list-resources,
	// application-level.
	Strategy           string `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=none ping-tool list-tools list-resources application-level"`
	IntervalMs         int    `yaml:"interval_ms" mapstructure:"interval_ms" validate:"omitempty,min=1"`
	TimeoutMs          int    `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=1"`
	DegradedIntervalMs int    `yaml:"degraded_interval_ms" mapstructure:"degraded_interval_ms" validate:"omitempty,min=1"`
}

// RecoveryConfig configures the fleet-wide FAILED-state recovery
// scheduler (distinct from a connection's own bounded Connect retry).
type RecoveryConfig struct {
	AutoRecovery          bool    `yaml:"auto_recovery" mapstructure:"auto_recovery"`
	BaseDelayMs           int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms" validate:"omitempty,min=1"`
	MaxDelayMs            int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms" validate:"omitempty,min=1"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier" validate:"omitempty,min=1"`
	MaxParallelRecoveries int     `yaml:"max_parallel_recoveries" mapstructure:"max_parallel_recoveries" validate:"omitempty,min=1"`
	StaggerJitterMs       int     `yaml:"stagger_jitter_ms" mapstructure:"stagger_jitter_ms" validate:"omitempty,min=0"`
}

// ResourcesConfig configures fleet-wide shared resource limits.
type ResourcesConfig struct {
	MaxTotalUpstreams int `yaml:"max_total_upstreams" mapstructure:"max_total_upstreams" validate:"omitempty,min=1"`
	MaxQueueSize      int `yaml:"max_queue_size" mapstructure:"max_queue_size" validate:"omitempty,min=1"`
	IdleTimeoutMs     int `yaml:"idle_timeout_ms" mapstructure:"idle_timeout_ms" validate:"omitempty,min=0"`
}

// MonitoringConfig configures the periodic metrics sweep and the
// thresholds that raise alerts.
type MonitoringConfig struct {
	SweepIntervalMs int                   `yaml:"sweep_interval_ms" mapstructure:"sweep_interval_ms" validate:"omitempty,min=1"`
	AlertThresholds AlertThresholdsConfig `yaml:"alert_thresholds" mapstructure:"alert_thresholds"`
}

// AlertThresholdsConfig configures the metrics-sweep alert thresholds.
type AlertThresholdsConfig struct {
	ErrorRatePercent         float64 `yaml:"error_rate_percent" mapstructure:"error_rate_percent" validate:"omitempty,min=0,max=100"`
	ResponseTimeMs           int     `yaml:"response_time_ms" mapstructure:"response_time_ms" validate:"omitempty,min=0"`
	UnhealthyFractionPercent float64 `yaml:"unhealthy_fraction_percent" mapstructure:"unhealthy_fraction_percent" validate:"omitempty,min=0,max=100"`
	ConsecutiveFailures      int     `yaml:"consecutive_failures" mapstructure:"consecutive_failures" validate:"omitempty,min=0"`
}

// SetDevDefaults applies permissive defaults for development mode,
// applied before validation so required fields are satisfied even with
// a near-empty config file.
func (c *FleetConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "debug"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *FleetConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.LoadBalancing.Strategy == "" {
		c.LoadBalancing.Strategy = "health-weighted"
	}
	if !viper.IsSet("load_balancing.degraded_eligible") {
		c.LoadBalancing.DegradedEligible = true
	}
	if c.LoadBalancing.MaxConcurrentRequests == 0 {
		c.LoadBalancing.MaxConcurrentRequests = 256
	}
	if c.LoadBalancing.MaxConcurrentRequestsPerUpstream == 0 {
		c.LoadBalancing.MaxConcurrentRequestsPerUpstream = 64
	}
	if c.LoadBalancing.DefaultRequestTimeoutMs == 0 {
		c.LoadBalancing.DefaultRequestTimeoutMs = 30_000
	}

	if c.Failover.Strategy == "" {
		c.Failover.Strategy = "circuit-breaker"
	}
	if !viper.IsSet("failover.auto_failover") {
		c.Failover.AutoFailover = true
	}
	if c.Failover.FailbackDelayMs == 0 {
		c.Failover.FailbackDelayMs = 5_000
	}
	if !viper.IsSet("failover.pre_recovery_health_check") {
		c.Failover.PreRecoveryHealthCheck = true
	}
	if c.Failover.GradualWarmupMs == 0 {
		c.Failover.GradualWarmupMs = 30_000
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		c.CircuitBreaker.SuccessThreshold = 2
	}
	if c.CircuitBreaker.CooldownMs == 0 {
		c.CircuitBreaker.CooldownMs = 30_000
	}

	if c.HealthCheck.Strategy == "" {
		c.HealthCheck.Strategy = "ping-tool"
	}
	if c.HealthCheck.IntervalMs == 0 {
		c.HealthCheck.IntervalMs = 10_000
	}
	if c.HealthCheck.TimeoutMs == 0 {
		c.HealthCheck.TimeoutMs = 3_000
	}
	if c.HealthCheck.DegradedIntervalMs == 0 {
		c.HealthCheck.DegradedIntervalMs = 3_000
	}

	if !viper.IsSet("recovery.auto_recovery") {
		c.Recovery.AutoRecovery = true
	}
	if c.Recovery.BaseDelayMs == 0 {
		c.Recovery.BaseDelayMs = 1_000
	}
	if c.Recovery.MaxDelayMs == 0 {
		c.Recovery.MaxDelayMs = 60_000
	}
	if c.Recovery.BackoffMultiplier == 0 {
		c.Recovery.BackoffMultiplier = 2.0
	}
	if c.Recovery.MaxParallelRecoveries == 0 {
		c.Recovery.MaxParallelRecoveries = 3
	}
	if c.Recovery.StaggerJitterMs == 0 {
		c.Recovery.StaggerJitterMs = 500
	}

	if c.Resources.MaxTotalUpstreams == 0 {
		c.Resources.MaxTotalUpstreams = 100
	}
	if c.Resources.MaxQueueSize == 0 {
		c.Resources.MaxQueueSize = 1_000
	}
	if c.Resources.IdleTimeoutMs == 0 {
		c.Resources.IdleTimeoutMs = 300_000
	}

	if c.Monitoring.SweepIntervalMs == 0 {
		c.Monitoring.SweepIntervalMs = 15_000
	}
	if c.Monitoring.AlertThresholds.ErrorRatePercent == 0 {
		c.Monitoring.AlertThresholds.ErrorRatePercent = 25
	}
	if c.Monitoring.AlertThresholds.ResponseTimeMs == 0 {
		c.Monitoring.AlertThresholds.ResponseTimeMs = 2_000
	}
	if c.Monitoring.AlertThresholds.UnhealthyFractionPercent == 0 {
		c.Monitoring.AlertThresholds.UnhealthyFractionPercent = 50
	}
	if c.Monitoring.AlertThresholds.ConsecutiveFailures == 0 {
		c.Monitoring.AlertThresholds.ConsecutiveFailures = 3
	}
}
