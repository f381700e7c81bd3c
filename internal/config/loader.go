// Package config provides configuration loading for the MCP fleet proxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for mcp-fleet.yaml/.yml
// in standard locations.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("mcp-fleet")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MCP_FLEET_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("MCP_FLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an mcp-fleet config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper
// from matching the binary "mcp-fleet" (no extension) in the current
// directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcp-fleet"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "mcp-fleet"))
		}
	} else {
		paths = append(paths, "/etc/mcp-fleet")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for mcp-fleet.yaml
// or .yml. Returns the full path of the first match, or empty string if
// none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcp-fleet"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds fleet config keys for environment variable
// support. This enables overriding nested config values via environment
// variables, e.g. MCP_FLEET_LOAD_BALANCING_STRATEGY overrides
// load_balancing.strategy.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("load_balancing.strategy")
	_ = viper.BindEnv("load_balancing.degraded_eligible")
	_ = viper.BindEnv("load_balancing.max_concurrent_requests")
	_ = viper.BindEnv("load_balancing.max_concurrent_requests_per_upstream")
	_ = viper.BindEnv("load_balancing.default_request_timeout_ms")

	_ = viper.BindEnv("failover.strategy")
	_ = viper.BindEnv("failover.auto_failover")
	_ = viper.BindEnv("failover.failback_delay_ms")
	_ = viper.BindEnv("failover.pre_recovery_health_check")
	_ = viper.BindEnv("failover.gradual_warmup_ms")

	_ = viper.BindEnv("circuit_breaker.failure_threshold")
	_ = viper.BindEnv("circuit_breaker.success_threshold")
	_ = viper.BindEnv("circuit_breaker.cooldown_ms")
	_ = viper.BindEnv("circuit_breaker.rolling_window")

	_ = viper.BindEnv("health_check.strategy")
	_ = viper.BindEnv("health_check.interval_ms")
	_ = viper.BindEnv("health_check.timeout_ms")
	_ = viper.BindEnv("health_check.degraded_interval_ms")

	_ = viper.BindEnv("recovery.auto_recovery")
	_ = viper.BindEnv("recovery.base_delay_ms")
	_ = viper.BindEnv("recovery.max_delay_ms")
	_ = viper.BindEnv("recovery.backoff_multiplier")
	_ = viper.BindEnv("recovery.max_parallel_recoveries")
	_ = viper.BindEnv("recovery.stagger_jitter_ms")

	_ = viper.BindEnv("resources.max_total_upstreams")
	_ = viper.BindEnv("resources.max_queue_size")
	_ = viper.BindEnv("resources.idle_timeout_ms")

	_ = viper.BindEnv("monitoring.sweep_interval_ms")

	_ = viper.BindEnv("state_file")
	_ = viper.BindEnv("dev_mode")

	// Note: upstreams is an array of structs, too complex to override via
	// env; users should use the config file or the runtime admin API.
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the FleetConfig.
// It also applies dev defaults and validates the result; use
// LoadConfigRaw when CLI flag overrides (e.g. --dev) must come first.
func LoadConfig() (*FleetConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg FleetConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply dev defaults or validate. Use this when CLI flags may
// override DevMode before validation.
func LoadConfigRaw() (*FleetConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg FleetConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
