// Command mcp-fleet runs the resilient multiplexing proxy for MCP upstreams.
package main

import "github.com/mcp-fleet/mcp-fleet/cmd/mcp-fleet/cmd"

func main() {
	cmd.Execute()
}
