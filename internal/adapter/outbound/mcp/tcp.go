package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mcp-fleet/mcp-fleet/internal/port/outbound"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/errs"
	pkgmcp "github.com/mcp-fleet/mcp-fleet/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// TCPTransport connects to an MCP server over a raw TCP socket, framing
// JSON-RPC messages one per line, matching the stdio transport's wire
// format so both sides of the fleet speak the same framing regardless
// of carrier.
type TCPTransport struct {
	host string
	port int

	dialTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	connected bool

	tracker    *callTracker
	readerDone chan struct{}
}

// NewTCPTransport creates a transport for the given host and port.
func NewTCPTransport(host string, port int) *TCPTransport {
	return &TCPTransport{
		host:        host,
		port:        port,
		dialTimeout: 10 * time.Second,
		tracker:     newCallTracker(),
	}
}

// Connect dials the upstream if not already connected.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: t.dialTimeout}
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "dial %s", addr)
	}

	t.conn = conn
	t.connected = true
	t.readerDone = make(chan struct{})
	go t.readLoop(conn, t.readerDone)
	return nil
}

func (t *TCPTransport) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	defer t.tracker.failAll()

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)
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

// Disconnect closes the socket. Safe to call on a transport that never
// connected.
func (t *TCPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false

	if t.conn != nil {
		_ = t.conn.Close()
	}
	if t.readerDone != nil {
		<-t.readerDone
	}
	t.conn = nil
	return nil
}

// IsAlive reports whether the socket is believed to be open.
func (t *TCPTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *TCPTransport) send(ctx context.Context, method string, params []byte) (*jsonrpc.Response, error) {
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
	encoded = append(encoded, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	t.writeMu.Lock()
	_, writeErr := conn.Write(encoded)
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
func (t *TCPTransport) CallTool(ctx context.Context, name string, args []byte) (*outbound.ToolResult, error) {
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
		return nil, errs.New(errs.KindRemote, "%s", resp.Error.Message).WithUpstream(fmt.Sprintf("%s:%d", t.host, t.port))
	}
	return &outbound.ToolResult{Content: resp.Result}, nil
}

// ReadResource fetches a resource by URI.
func (t *TCPTransport) ReadResource(ctx context.Context, uri string) (*outbound.ResourcePayload, error) {
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
		return nil, errs.New(errs.KindRemote, "%s", resp.Error.Message).WithUpstream(fmt.Sprintf("%s:%d", t.host, t.port))
	}
	return &outbound.ResourcePayload{Content: resp.Result}, nil
}

var _ outbound.Transport = (*TCPTransport)(nil)
