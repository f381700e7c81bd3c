package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mcp-fleet/mcp-fleet/internal/port/outbound"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/errs"
	pkgmcp "github.com/mcp-fleet/mcp-fleet/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// WebSocketTransport connects to an MCP server over a WebSocket,
// framing one JSON-RPC message per text frame.
type WebSocketTransport struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool

	tracker    *callTracker
	readerDone chan struct{}
}

// NewWebSocketTransport creates a transport for the given ws(s):// URL.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{url: url, tracker: newCallTracker()}
}

// Connect dials the upstream if not already connected.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "dial %s", t.url)
	}

	t.conn = conn
	t.connected = true
	t.readerDone = make(chan struct{})
	go t.readLoop(conn, t.readerDone)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer t.tracker.failAll()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(raw) == 0 {
			continue
		}
		msg, err := pkgmcp.DecodeMessage(raw)
		if err != nil {
			continue
		}
		resp, ok := msg.(*jsonrpc.Response)
		if !ok {
			continue
		}
		t.tracker.dispatch(raw, resp)
	}
}

// Disconnect closes the WebSocket connection. Safe to call on a
// transport that never connected.
func (t *WebSocketTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false

	if t.conn != nil {
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = t.conn.Close()
	}
	if t.readerDone != nil {
		<-t.readerDone
	}
	t.conn = nil
	return nil
}

// IsAlive reports whether the socket is believed to be open.
func (t *WebSocketTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebSocketTransport) send(ctx context.Context, method string, params []byte) (*jsonrpc.Response, error) {
	t.mu.Lock()
	connected := t.connected
	conn := t.conn
	t.mu.Unlock()
	if !connected {
		return nil, errs.New(errs.KindTransport, "transport not connected")
	}

	req, id, ch, err := t.tracker.newRequest(method, params)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "build request")
	}

	encoded, err := pkgmcp.EncodeMessage(req)
	if err != nil {
		t.tracker.abandon(id)
		return nil, errs.Wrap(errs.KindProtocol, err, "encode request")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	t.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, encoded)
	t.writeMu.Unlock()
	if writeErr != nil {
		t.tracker.abandon(id)
		return nil, errs.Wrap(errs.KindTransport, writeErr, "write to upstream")
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errs.New(errs.KindTransport, "upstream connection closed before response")
		}
		return resp, nil
	case <-ctx.Done():
		t.tracker.abandon(id)
		return nil, errs.Wrap(errs.KindTimeout, ctx.Err(), "waiting for upstream response")
	}
}

// CallTool invokes name with json-encoded args and returns the result.
func (t *WebSocketTransport) CallTool(ctx context.Context, name string, args []byte) (*outbound.ToolResult, error) {
	params, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{Name: name, Arguments: args})
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "encode tool call params")
	}

	resp, err := t.send(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errs.New(errs.KindRemote, "%s", resp.Error.Message).WithUpstream(t.url)
	}
	return &outbound.ToolResult{Content: resp.Result}, nil
}

// ReadResource fetches a resource by URI.
func (t *WebSocketTransport) ReadResource(ctx context.Context, uri string) (*outbound.ResourcePayload, error) {
	params, err := json.Marshal(struct {
		URI string `json:"uri"`
	}{URI: uri})
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "encode resource read params")
	}

	resp, err := t.send(ctx, "resources/read", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errs.New(errs.KindRemote, "%s", resp.Error.Message).WithUpstream(t.url)
	}
	return &outbound.ResourcePayload{Content: resp.Result}, nil
}

var _ outbound.Transport = (*WebSocketTransport)(nil)
