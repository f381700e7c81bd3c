package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	fleethttp "github.com/mcp-fleet/mcp-fleet/internal/adapter/inbound/http"
	"github.com/mcp-fleet/mcp-fleet/internal/adapter/outbound/state"
	"github.com/mcp-fleet/mcp-fleet/internal/config"
	"github.com/mcp-fleet/mcp-fleet/internal/fleet"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fleet proxy server",
	Long: `Start the mcp-fleet proxy server.

Upstreams declared in the config file's "upstreams" section are
registered at boot, merged with any upstreams persisted in the state
file from a previous run's admin-API additions.

Examples:
  mcp-fleet start
  mcp-fleet --config /path/to/mcp-fleet.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, relaxed validation)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	statePath := stateFilePath
	if statePath == "" {
		statePath = cfg.StateFile
	}
	if statePath == "" {
		statePath = "./state.json"
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default signal handling: next Ctrl+C does a hard kill.
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, statePath, logger); err != nil {
		return err
	}

	logger.Info("mcp-fleet stopped")
	return nil
}

// run wires the fleet manager, its persisted/static upstream set, and the
// admin/status/metrics HTTP surface together, then blocks until ctx is
// cancelled.
func run(ctx context.Context, cfg *config.FleetConfig, statePath string, logger *slog.Logger) error {
	stateStore := state.NewFileStateStore(statePath, logger)
	appState, err := stateStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if err := stateStore.Save(appState); err != nil {
		return fmt.Errorf("failed to save initial state: %w", err)
	}
	logger.Info("state loaded", "path", statePath, "persisted_upstreams", len(appState.Upstreams))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := fleethttp.NewMetrics(reg)

	manager := fleet.New(*cfg, logger, fleet.WithMetrics(metrics), fleet.WithStateStore(stateStore))
	defer func() { _ = manager.Shutdown(context.Background()) }()

	if err := manager.LoadStaticUpstreams(ctx); err != nil {
		logger.Error("failed to load one or more configured upstreams", "error", err)
		// Non-fatal: the remaining upstreams are still registered; one whose
		// initial connect failed is registered in FAILED state and is
		// eligible for recovery.
	}

	for _, entry := range appState.Upstreams {
		if err := manager.AddUpstream(ctx, entry.ToDescriptor()); err != nil {
			logger.Error("failed to restore persisted upstream", "name", entry.Name, "error", err)
		}
	}

	snap := manager.Status()
	logger.Info("fleet manager started", "upstreams", len(snap.Upstreams))

	healthChecker := fleethttp.NewHealthChecker(manager, Version)

	mux := stdhttp.NewServeMux()
	fleethttp.RegisterRoutes(mux, manager, healthChecker, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	var handler stdhttp.Handler = mux
	handler = fleethttp.DNSRebindingProtection(cfg.Server.AllowedOrigins)(handler)
	handler = fleethttp.RequestIDMiddleware(logger)(handler)
	handler = fleethttp.MetricsMiddleware(metrics)(handler)

	server := &stdhttp.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
