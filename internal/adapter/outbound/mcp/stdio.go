package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/mcp-fleet/mcp-fleet/internal/port/outbound"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/errs"
	pkgmcp "github.com/mcp-fleet/mcp-fleet/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// StdioTransport connects to an MCP server over stdio, launching it as
// a subprocess. It implements outbound.Transport.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writeMu   sync.Mutex
	connected bool

	tracker    *callTracker
	readerDone chan struct{}
}

// NewStdioTransport creates a transport for the given command and
// arguments; env is merged onto the current process environment.
func NewStdioTransport(command string, args []string, env map[string]string) *StdioTransport {
	return &StdioTransport{
		command: command,
		args:    args,
		env:     env,
		tracker: newCallTracker(),
	}
}

// Connect launches the subprocess if not already connected.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return errs.Wrap(errs.KindTransport, err, "open stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return errs.Wrap(errs.KindTransport, err, "start upstream process")
	}

	t.cmd = cmd
	t.stdin = stdin
	t.connected = true
	t.readerDone = make(chan struct{})
	go t.readLoop(stdout, t.readerDone)
	return nil
}

func (t *StdioTransport) readLoop(stdout io.ReadCloser, done chan struct{}) {
	defer close(done)
	defer t.tracker.failAll()

	scanner := bufio.NewScanner(stdout)
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

// Disconnect kills the subprocess and releases resources. Safe to call
// on a transport that never connected.
func (t *StdioTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errs.Wrap(errs.KindTransport, err, "kill upstream process")
		}
	}
	if t.readerDone != nil {
		<-t.readerDone
	}
	t.cmd = nil
	t.stdin = nil
	return nil
}

// IsAlive reports whether the subprocess is believed to be running.
func (t *StdioTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *StdioTransport) send(ctx context.Context, method string, params []byte) (*jsonrpc.Response, error) {
	t.mu.Lock()
	connected := t.connected
	stdin := t.stdin
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

	t.writeMu.Lock()
	_, writeErr := stdin.Write(encoded)
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
func (t *StdioTransport) CallTool(ctx context.Context, name string, args []byte) (*outbound.ToolResult, error) {
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
		return nil, errs.New(errs.KindRemote, "%s", resp.Error.Message).WithUpstream(t.command)
	}
	return &outbound.ToolResult{Content: resp.Result}, nil
}

// ReadResource fetches a resource by URI.
func (t *StdioTransport) ReadResource(ctx context.Context, uri string) (*outbound.ResourcePayload, error) {
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
		return nil, errs.New(errs.KindRemote, "%s", resp.Error.Message).WithUpstream(t.command)
	}
	return &outbound.ResourcePayload{Content: resp.Result}, nil
}

var _ outbound.Transport = (*StdioTransport)(nil)
