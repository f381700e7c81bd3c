// Package mcp provides MCP message types and JSON-RPC codec utilities
// shared by the fleet's upstream transport adapters.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates which way a message is flowing across a transport.
type Direction int

const (
	// ToUpstream indicates a message flowing from the fleet to an upstream server.
	ToUpstream Direction = iota
	// FromUpstream indicates a message flowing from an upstream server to the fleet.
	FromUpstream
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ToUpstream:
		return "fleet->upstream"
	case FromUpstream:
		return "upstream->fleet"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with transport metadata. It
// stores both the raw bytes (for correlating with in-flight calls
// without a second decode) and the parsed message.
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates whether this message is outbound to, or
	// inbound from, the upstream.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message. The concrete type
	// is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was observed by the adapter.
	Timestamp time.Time
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// Request returns the underlying Request if this is a request message.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// RawID extracts the request ID from the raw message bytes as
// json.RawMessage, used to correlate an inbound response with the
// pending call that is awaiting it regardless of ID encoding (number,
// string, or null).
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
