// Package mcp provides upstream transport adapters (C1): stdio
// subprocess, raw TCP socket, and WebSocket, all sharing the same
// newline-delimited JSON-RPC framing and request/response correlation.
package mcp

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const (
	// scannerInitialBufSize is the initial line-scanner buffer size.
	scannerInitialBufSize = 256 * 1024
	// scannerMaxBufSize bounds a single JSON-RPC frame.
	scannerMaxBufSize = 4 * 1024 * 1024
)

// callTracker correlates outgoing JSON-RPC requests with their
// eventual responses. IDs are assigned sequentially by the tracker
// itself, so correlation only needs to parse the numeric "id" field
// back out of an inbound frame rather than round-trip jsonrpc.ID values.
type callTracker struct {
	mu      sync.Mutex
	pending map[uint64]chan *jsonrpc.Response
	seq     atomic.Uint64
}

func newCallTracker() *callTracker {
	return &callTracker{pending: make(map[uint64]chan *jsonrpc.Response)}
}

// newRequest allocates a fresh request ID, registers a channel to
// receive its response, and builds the JSON-RPC request.
func (t *callTracker) newRequest(method string, params []byte) (*jsonrpc.Request, uint64, chan *jsonrpc.Response, error) {
	n := t.seq.Add(1)
	id, err := jsonrpc.MakeID(float64(n))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("allocate request id: %w", err)
	}
	ch := make(chan *jsonrpc.Response, 1)
	t.mu.Lock()
	t.pending[n] = ch
	t.mu.Unlock()
	return &jsonrpc.Request{ID: id, Method: method, Params: params}, n, ch, nil
}

// dispatch delivers a raw inbound frame to the waiting caller, if any.
// It returns false if the frame is not a response to a call this
// tracker issued (a notification, or an id we no longer recognize).
func (t *callTracker) dispatch(raw []byte, resp *jsonrpc.Response) bool {
	var idEnvelope struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &idEnvelope); err != nil {
		return false
	}
	t.mu.Lock()
	ch, ok := t.pending[idEnvelope.ID]
	if ok {
		delete(t.pending, idEnvelope.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// abandon removes a request from the pending table without resolving
// it, used when the caller's context is cancelled before a response
// arrives.
func (t *callTracker) abandon(n uint64) {
	t.mu.Lock()
	delete(t.pending, n)
	t.mu.Unlock()
}

// failAll closes the response channel of every still-pending call, used
// when the underlying connection drops; a waiting caller sees the closed
// channel as a transport failure.
func (t *callTracker) failAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]chan *jsonrpc.Response)
	t.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}
