package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFleetConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg FleetConfig
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.LoadBalancing.Strategy != "health-weighted" {
		t.Errorf("LoadBalancing.Strategy = %q, want %q", cfg.LoadBalancing.Strategy, "health-weighted")
	}
	if !cfg.LoadBalancing.DegradedEligible {
		t.Error("LoadBalancing.DegradedEligible should default to true")
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 5", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.Recovery.MaxParallelRecoveries != 3 {
		t.Errorf("Recovery.MaxParallelRecoveries = %d, want 3", cfg.Recovery.MaxParallelRecoveries)
	}
}

func TestFleetConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := FleetConfig{
		Server: ServerConfig{HTTPAddr: ":9090"},
		LoadBalancing: LoadBalancingConfig{
			Strategy:              "round-robin",
			MaxConcurrentRequests: 10,
		},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 2},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr was overwritten: got %q, want %q", cfg.Server.HTTPAddr, ":9090")
	}
	if cfg.LoadBalancing.Strategy != "round-robin" {
		t.Errorf("Strategy was overwritten: got %q, want %q", cfg.LoadBalancing.Strategy, "round-robin")
	}
	if cfg.LoadBalancing.MaxConcurrentRequests != 10 {
		t.Errorf("MaxConcurrentRequests was overwritten: got %d, want 10", cfg.LoadBalancing.MaxConcurrentRequests)
	}
	if cfg.CircuitBreaker.FailureThreshold != 2 {
		t.Errorf("FailureThreshold was overwritten: got %d, want 2", cfg.CircuitBreaker.FailureThreshold)
	}
}

func TestFleetConfig_SetDevDefaults(t *testing.T) {
	t.Parallel()

	cfg := FleetConfig{DevMode: true}
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "debug")
	}

	cfg2 := FleetConfig{}
	cfg2.SetDevDefaults()
	if cfg2.Server.LogLevel != "" {
		t.Error("SetDevDefaults should be a no-op when DevMode is false")
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcp-fleet.yaml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcp-fleet.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Simulate the binary: a file named "mcp-fleet" with no extension.
	_ = os.WriteFile(filepath.Join(dir, "mcp-fleet"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "mcp-fleet.yaml")
	ymlPath := filepath.Join(dir, "mcp-fleet.yml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  http_addr: :8080\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}
