package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pkgmcp "github.com/mcp-fleet/mcp-fleet/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// fakeWSServer upgrades a single connection and runs handle on each
// text frame it receives until the connection closes.
func fakeWSServer(t *testing.T, handle func(req *jsonrpc.Request) *jsonrpc.Response) (url string, stop func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := pkgmcp.DecodeMessage(raw)
			if err != nil {
				continue
			}
			req, ok := msg.(*jsonrpc.Request)
			if !ok {
				continue
			}
			resp := handle(req)
			encoded, err := pkgmcp.EncodeMessage(resp)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
				return
			}
		}
	}))

	url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return url, srv.Close
}

func TestWebSocketTransportReadResourceRoundTrip(t *testing.T) {
	url, stop := fakeWSServer(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{"mime":"text/plain"}`)}
	})
	defer stop()

	tr := NewWebSocketTransport(url)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := tr.ReadResource(ctx, "file:///a.txt")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if string(result.Content) != `{"mime":"text/plain"}` {
		t.Fatalf("unexpected result: %s", result.Content)
	}
}

func TestWebSocketTransportRemoteErrorSurfaced(t *testing.T) {
	url, stop := fakeWSServer(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return &jsonrpc.Response{ID: req.ID, Error: &jsonrpc.WireError{Code: -32001, Message: "resource not found"}}
	})
	defer stop()

	tr := NewWebSocketTransport(url)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := tr.ReadResource(ctx, "file:///missing.txt")
	if err == nil {
		t.Fatalf("expected a remote error")
	}
}

func TestWebSocketTransportDisconnectTolerant(t *testing.T) {
	url, stop := fakeWSServer(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{}`)}
	})
	defer stop()

	tr := NewWebSocketTransport(url)
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect on never-connected transport: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tr.IsAlive() {
		t.Fatalf("expected IsAlive true after Connect")
	}
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if tr.IsAlive() {
		t.Fatalf("expected IsAlive false after Disconnect")
	}
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect should be tolerant, got: %v", err)
	}
}
