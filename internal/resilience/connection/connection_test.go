package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcp-fleet/mcp-fleet/internal/port/outbound"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/breaker"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/errs"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/health"
)

// fakeTransport is an in-memory outbound.Transport for exercising the
// connection state machine without a real subprocess or socket.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	callErr     error
	callDelay   time.Duration
	connectCalls int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args []byte) (*outbound.ToolResult, error) {
	f.mu.Lock()
	delay := f.callDelay
	err := f.callErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &outbound.ToolResult{Content: []byte(`"ok"`)}, nil
}

func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*outbound.ResourcePayload, error) {
	return &outbound.ResourcePayload{Content: []byte("data")}, nil
}

func (f *fakeTransport) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setCallErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callErr = err
}

func newTestConnection(tr *fakeTransport) *Connection {
	return New(Settings{
		Name:      "alpha",
		Transport: tr,
		Breaker:   breaker.Settings{FailureThreshold: 3, Cooldown: 50 * time.Millisecond},
		HealthStrategy:           health.StrategyNone,
		ConnectBaseDelay:         time.Millisecond,
		ConnectMaxDelay:          5 * time.Millisecond,
		ConnectMaxAttempts:       3,
		ConnectTimeout:           200 * time.Millisecond,
		DegradationFailureStreak: 2,
		InFlightCeiling:          10,
	})
}

func TestConnectTransitionsToConnected(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConnection(tr)

	if c.State() != StateDisconnected {
		t.Fatalf("expected initial DISCONNECTED, got %s", c.State())
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", c.State())
	}
	// idempotent
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

func TestConnectExhaustsRetryBudgetToFailed(t *testing.T) {
	tr := &fakeTransport{connectErr: errs.New(errs.KindTransport, "dial refused")}
	c := newTestConnection(tr)

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected an error after exhausting retry budget")
	}
	if c.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", c.State())
	}
	if tr.connectCalls != int(c.settings.ConnectMaxAttempts)+1 {
		t.Fatalf("expected %d connect attempts, got %d", c.settings.ConnectMaxAttempts+1, tr.connectCalls)
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConnection(tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(result.Content) != `"ok"` {
		t.Fatalf("unexpected result: %s", result.Content)
	}

	stats := c.Stats()
	if stats.Total != 1 || stats.Successes != 1 || stats.Failures != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCallToolNotEligibleWhenDisconnected(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConnection(tr)

	_, err := c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))
	if err == nil {
		t.Fatalf("expected NoUpstreamAvailable before Connect")
	}
}

func TestConsecutiveTransportFailuresOpenCircuitAndTransitionsConnection(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConnection(tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.setCallErr(errs.New(errs.KindTransport, "boom"))

	for i := 0; i < 3; i++ {
		_, _ = c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))
	}

	if c.State() != StateCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN after %d consecutive failures, got %s", 3, c.State())
	}

	_, err := c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))
	var fe *errs.Error
	if !asErr(err, &fe) || fe.Kind != errs.KindCircuitOpen {
		t.Fatalf("expected KindCircuitOpen once breaker is open, got %v", err)
	}
}

func TestDegradedOnConsecutiveFailuresBelowBreakerThreshold(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConnection(tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.setCallErr(errs.New(errs.KindTransport, "flaky"))

	// DegradationFailureStreak=2, FailureThreshold=3: the 2nd failure
	// should degrade without yet tripping the breaker.
	_, _ = c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))
	_, _ = c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))

	if c.State() != StateDegraded {
		t.Fatalf("expected DEGRADED, got %s", c.State())
	}

	tr.setCallErr(nil)
	_, err := c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected recovery to CONNECTED after a success, got %s", c.State())
	}
}

func TestRemoteErrorSurfacedWithoutBreakerOrDegradation(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConnection(tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.setCallErr(errs.New(errs.KindRemote, "tool not found"))

	for i := 0; i < 5; i++ {
		_, err := c.CallTool(context.Background(), "echo", nil, time.Now().Add(time.Second))
		if err == nil {
			t.Fatalf("expected remote error to propagate")
		}
	}

	if c.State() != StateConnected {
		t.Fatalf("remote errors must not trip the breaker or degrade the connection, got %s", c.State())
	}
}

func TestCallToolDeadlineElapsed(t *testing.T) {
	tr := &fakeTransport{callDelay: 200 * time.Millisecond}
	c := newTestConnection(tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.CallTool(context.Background(), "slow", nil, time.Now().Add(20*time.Millisecond))
	var fe *errs.Error
	if !asErr(err, &fe) || fe.Kind != errs.KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
}

func TestDisconnectCancelsInFlightAndIsIdempotent(t *testing.T) {
	tr := &fakeTransport{callDelay: 200 * time.Millisecond}
	c := newTestConnection(tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var callErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, callErr = c.CallTool(context.Background(), "slow", nil, time.Now().Add(time.Second))
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	wg.Wait()

	if callErr == nil {
		t.Fatalf("expected the in-flight call to be cancelled by Disconnect")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED after Disconnect, got %s", c.State())
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect should be a no-op, got: %v", err)
	}
}

func TestForceHealthCheckRunsSynchronously(t *testing.T) {
	var probed atomic.Bool
	tr := &fakeTransport{}
	c := New(Settings{
		Name:      "alpha",
		Transport: tr,
		Breaker:   breaker.Settings{FailureThreshold: 3, Cooldown: 50 * time.Millisecond},
		HealthStrategy: health.StrategyApplicationLevel,
		HealthInterval: time.Hour,
		HealthTimeout:  time.Second,
		HealthProbe: func(ctx context.Context) error {
			probed.Store(true)
			return nil
		},
		ConnectBaseDelay:   time.Millisecond,
		ConnectMaxDelay:    5 * time.Millisecond,
		ConnectMaxAttempts: 3,
		ConnectTimeout:     200 * time.Millisecond,
		InFlightCeiling:    10,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.ForceHealthCheck(context.Background()); err != nil {
		t.Fatalf("ForceHealthCheck: %v", err)
	}
	if !probed.Load() {
		t.Fatalf("expected the probe function to have run")
	}
}
