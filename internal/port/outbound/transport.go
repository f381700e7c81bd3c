// Package outbound defines the outbound port for talking to a single
// upstream MCP server (C1): a transport-agnostic capability set that
// the resilient connection drives, polymorphic over stdio, TCP, and
// WebSocket adapters.
package outbound

import "context"

// ToolResult is the result of a callTool invocation, carrying the
// upstream's raw JSON-RPC result payload.
type ToolResult struct {
	Content []byte
}

// ResourcePayload is the result of a readResource invocation.
type ResourcePayload struct {
	MIMEType string
	Content  []byte
}

// Transport is the outbound port implemented by each wire adapter. It
// is idempotent with respect to repeated Connect calls on an
// already-connected adapter, and Disconnect tolerates any prior state.
// No retry logic lives here — that is the resilient connection's job.
type Transport interface {
	// Connect establishes the underlying connection. Calling Connect
	// again while already connected succeeds without side effect.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection. Safe to call more than
	// once, or on a transport that never connected.
	Disconnect(ctx context.Context) error

	// CallTool invokes a named tool with the given JSON-encoded
	// arguments and returns the upstream's result.
	CallTool(ctx context.Context, name string, args []byte) (*ToolResult, error)

	// ReadResource fetches a resource by URI.
	ReadResource(ctx context.Context, uri string) (*ResourcePayload, error)

	// IsAlive reports whether the transport believes its connection is
	// currently usable, without making a network round trip.
	IsAlive() bool
}
