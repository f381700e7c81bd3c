// Package cmd provides the CLI commands for the fleet proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-fleet/mcp-fleet/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "mcp-fleet",
	Short: "mcp-fleet - resilient multiplexing proxy for MCP upstreams",
	Long: `mcp-fleet dispatches Model Context Protocol tool calls and resource
reads across a fleet of upstream MCP servers, load-balancing between
healthy upstreams and automatically recovering failed ones.

Quick start:
  1. Create a config file: mcp-fleet.yaml
  2. Run: mcp-fleet start

Configuration:
  Config is loaded from mcp-fleet.yaml in the current directory,
  $HOME/.mcp-fleet/, or /etc/mcp-fleet/.

  Environment variables can override config values with the MCP_FLEET_ prefix.
  Example: MCP_FLEET_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the fleet proxy server
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcp-fleet.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to the persisted upstream state file (default: ./state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
