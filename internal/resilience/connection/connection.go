// Package connection implements the resilient connection (C4): the
// per-upstream state machine that owns a circuit breaker, a health
// prober, and a transport adapter, and exposes connect/disconnect/
// callTool/readResource/forceHealthCheck/stats to the fleet manager.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcp-fleet/mcp-fleet/internal/port/outbound"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/breaker"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/errs"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/health"
)

// State is one of the resilient connection's seven lifecycle states.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDegraded     State = "DEGRADED"
	StateCircuitOpen  State = "CIRCUIT_OPEN"
	StateFailed       State = "FAILED"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// Stats is a consistent snapshot of a connection's operation counters.
type Stats struct {
	Total                int64
	Successes            int64
	Failures             int64
	InFlight             int64
	ConsecutiveFailures  int64
	ConsecutiveSuccesses int64
	LastSuccess          time.Time
	LastFailure          time.Time
	AvgLatencyMS         float64
	Transitions          int64
}

// Settings configures a Connection. The breaker and prober are built
// internally from BreakerSettings/Health* so that each connection
// exclusively owns them, per the ownership rule in the data model.
type Settings struct {
	Name      string
	Transport outbound.Transport
	Logger    *slog.Logger

	Breaker breaker.Settings

	HealthStrategy         health.Strategy
	HealthInterval         time.Duration
	HealthDegradedInterval time.Duration
	HealthTimeout          time.Duration
	// HealthProbe, when set, overrides the default probe (a CallTool
	// against ProbeToolName, or "ping" when that is empty) for every
	// strategy.
	HealthProbe    health.ProbeFunc
	ProbeToolName  string
	ProbeToolArgs  []byte

	ConnectBaseDelay   time.Duration
	ConnectMaxDelay    time.Duration
	ConnectMultiplier  float64
	ConnectMaxAttempts uint64
	ConnectTimeout     time.Duration

	// InFlightCeiling bounds per-connection concurrent operations.
	InFlightCeiling int

	// DegradationLatencyMS: average latency above this triggers DEGRADED.
	DegradationLatencyMS float64
	// DegradationFailureStreak: consecutive failures at or above this
	// (but below the breaker's failure threshold) triggers DEGRADED.
	DegradationFailureStreak int64
	// LatencyEMAAlpha is the smoothing factor for the latency EMA.
	LatencyEMAAlpha float64

	// OnStateChange is invoked after every connection-level transition.
	OnStateChange func(name string, from, to State)
}

func (s *Settings) applyDefaults() {
	if s.ConnectBaseDelay <= 0 {
		s.ConnectBaseDelay = 500 * time.Millisecond
	}
	if s.ConnectMaxDelay <= 0 {
		s.ConnectMaxDelay = 30 * time.Second
	}
	if s.ConnectMultiplier <= 0 {
		s.ConnectMultiplier = 2
	}
	if s.ConnectMaxAttempts == 0 {
		s.ConnectMaxAttempts = 5
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.InFlightCeiling <= 0 {
		s.InFlightCeiling = 64
	}
	if s.DegradationLatencyMS <= 0 {
		s.DegradationLatencyMS = 2000
	}
	if s.DegradationFailureStreak <= 0 {
		s.DegradationFailureStreak = 2
	}
	if s.LatencyEMAAlpha <= 0 {
		s.LatencyEMAAlpha = 0.2
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// Connection is the resilient per-upstream state machine (C4).
type Connection struct {
	settings Settings

	mu    sync.Mutex
	state State
	stats Stats

	breaker *breaker.Breaker
	prober  *health.Prober

	opsMu  sync.Mutex
	nextOp uint64
	cancel map[uint64]context.CancelFunc
}

// New builds a Connection in the DISCONNECTED state. Its breaker and
// prober are constructed here and live for the lifetime of the
// connection.
func New(s Settings) *Connection {
	s.applyDefaults()

	c := &Connection{
		settings: s,
		state:    StateDisconnected,
		cancel:   make(map[uint64]context.CancelFunc),
	}

	s.Breaker.Name = s.Name
	s.Breaker.OnStateChange = c.onBreakerStateChange
	c.breaker = breaker.New(s.Breaker)

	probe := s.HealthProbe
	if probe == nil {
		probe = c.defaultProbe
	}
	c.prober = health.New(health.Settings{
		Strategy:         s.HealthStrategy,
		Interval:         s.HealthInterval,
		DegradedInterval: s.HealthDegradedInterval,
		Timeout:          s.HealthTimeout,
		Probe:            probe,
		OnResult:         c.onProbeResult,
	})

	return c
}

func (c *Connection) defaultProbe(ctx context.Context) error {
	name := c.settings.ProbeToolName
	if name == "" {
		name = "ping"
	}
	_, err := c.settings.Transport.CallTool(ctx, name, c.settings.ProbeToolArgs)
	return err
}

// Name returns the upstream name this connection manages.
func (c *Connection) Name() string {
	return c.settings.Name
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a consistent snapshot of the connection's counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// setStateLocked transitions state and fires OnStateChange; caller
// must hold c.mu.
func (c *Connection) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.stats.Transitions++
	if c.settings.OnStateChange != nil {
		cb := c.settings.OnStateChange
		go cb(c.settings.Name, from, to)
	}
}

// Connect establishes the underlying transport: one attempt plus up to
// ConnectMaxAttempts retries with exponential backoff. Idempotent: calling
// Connect while already CONNECTED, DEGRADED, or CIRCUIT_OPEN is a
// no-op success.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateDegraded, StateCircuitOpen:
		c.mu.Unlock()
		return nil
	case StateShuttingDown:
		c.mu.Unlock()
		return errs.New(errs.KindConfiguration, "connection %s is shutting down", c.settings.Name)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.settings.ConnectBaseDelay
	bo.MaxInterval = c.settings.ConnectMaxDelay
	bo.Multiplier = c.settings.ConnectMultiplier
	bo.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(bo, c.settings.ConnectMaxAttempts)
	withCtx := backoff.WithContext(bounded, ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		connectCtx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
		defer cancel()
		return c.settings.Transport.Connect(connectCtx)
	}, withCtx)

	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.settings.Logger.Warn("upstream connect exhausted retry budget",
			"upstream", c.settings.Name, "attempts", attempts, "error", err)
		return errs.Wrap(errs.KindTransport, err, "connect %s after %d attempts", c.settings.Name, attempts)
	}

	c.mu.Lock()
	c.setStateLocked(StateConnected)
	c.stats = Stats{Transitions: c.stats.Transitions}
	c.mu.Unlock()

	c.prober.Resume()
	c.prober.Start()
	c.settings.Logger.Info("upstream connected", "upstream", c.settings.Name, "attempts", attempts)
	return nil
}

// Disconnect transitions to SHUTTING_DOWN, cancels in-flight
// operations (they observe Cancelled), stops the prober, and tears
// down the transport. Safe to call more than once.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateShuttingDown || c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateShuttingDown)
	c.mu.Unlock()

	c.opsMu.Lock()
	for id, cancel := range c.cancel {
		cancel()
		delete(c.cancel, id)
	}
	c.opsMu.Unlock()

	c.prober.Stop()

	if err := c.settings.Transport.Disconnect(ctx); err != nil {
		c.settings.Logger.Warn("transport disconnect reported an error",
			"upstream", c.settings.Name, "error", err)
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}

// ForceHealthCheck runs a synchronous one-shot probe, bypassing the
// periodic schedule, and feeds its result into the state machine.
func (c *Connection) ForceHealthCheck(ctx context.Context) error {
	return c.prober.ForceCheck(ctx)
}

// onProbeResult feeds a completed probe into the same breaker and
// statistics path as a real call, so an idle-but-broken upstream still
// trips its breaker even with no client traffic. Probes never run
// while CIRCUIT_OPEN (the prober is suspended on that transition), so
// this only ever observes CONNECTED/DEGRADED.
func (c *Connection) onProbeResult(success bool, _ error) {
	permit, err := c.breaker.Allow()
	if err != nil {
		// Breaker already open or half-open probe budget spent; the
		// probe result still informs degradation via stats.
		c.recordOutcome(success, 0, errs.KindTransport)
		return
	}
	if success {
		permit.Success()
	} else {
		permit.Failure()
	}
	c.recordOutcome(success, 0, errs.KindTransport)
}

func (c *Connection) onBreakerStateChange(_ string, _, to breaker.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch to {
	case breaker.StateOpen:
		if c.state == StateConnected || c.state == StateDegraded {
			c.setStateLocked(StateCircuitOpen)
			c.prober.Suspend()
		}
	case breaker.StateClosed:
		if c.state == StateCircuitOpen {
			c.setStateLocked(StateConnected)
			c.prober.Resume()
		}
	case breaker.StateHalfOpen:
		// No connection-level transition: still CIRCUIT_OPEN until the
		// breaker fully closes.
	}
}

// registerOp allocates a cancellable context for an in-flight
// operation, for Disconnect to cancel cooperatively.
func (c *Connection) registerOp(ctx context.Context, deadline time.Time) (context.Context, func()) {
	opCtx, cancel := context.WithDeadline(ctx, deadline)
	c.opsMu.Lock()
	id := c.nextOp
	c.nextOp++
	c.cancel[id] = cancel
	c.opsMu.Unlock()

	cleanup := func() {
		cancel()
		c.opsMu.Lock()
		delete(c.cancel, id)
		c.opsMu.Unlock()
	}
	return opCtx, cleanup
}

// CallTool consults the circuit breaker, invokes the transport bounded
// by deadline, and records the outcome.
func (c *Connection) CallTool(ctx context.Context, name string, args []byte, deadline time.Time) (*outbound.ToolResult, error) {
	result, err := c.do(ctx, deadline, func(opCtx context.Context) (any, error) {
		return c.settings.Transport.CallTool(opCtx, name, args)
	})
	if err != nil {
		return nil, err
	}
	return result.(*outbound.ToolResult), nil
}

// ReadResource consults the circuit breaker, invokes the transport
// bounded by deadline, and records the outcome.
func (c *Connection) ReadResource(ctx context.Context, uri string, deadline time.Time) (*outbound.ResourcePayload, error) {
	result, err := c.do(ctx, deadline, func(opCtx context.Context) (any, error) {
		return c.settings.Transport.ReadResource(opCtx, uri)
	})
	if err != nil {
		return nil, err
	}
	return result.(*outbound.ResourcePayload), nil
}

func (c *Connection) do(ctx context.Context, deadline time.Time, op func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	state := c.state
	inFlight := c.stats.InFlight
	ceiling := int64(c.settings.InFlightCeiling)
	c.mu.Unlock()

	if state == StateCircuitOpen || state == StateFailed || state == StateShuttingDown ||
		state == StateDisconnected || state == StateConnecting {
		return nil, errs.New(errs.KindNoUpstreamAvailable, "upstream %s is not eligible (state=%s)", c.settings.Name, state)
	}
	if inFlight >= ceiling {
		return nil, errs.New(errs.KindLimitExceeded, "upstream %s at in-flight ceiling", c.settings.Name)
	}

	permit, err := c.breaker.Allow()
	if err != nil {
		return nil, errs.Wrap(errs.KindCircuitOpen, err, "upstream %s breaker refused the call", c.settings.Name).WithUpstream(c.settings.Name)
	}

	opCtx, cleanup := c.registerOp(ctx, deadline)
	defer cleanup()

	c.mu.Lock()
	c.stats.InFlight++
	c.mu.Unlock()
	start := time.Now()

	result, callErr := op(opCtx)

	elapsed := time.Since(start)
	c.mu.Lock()
	c.stats.InFlight--
	c.mu.Unlock()

	if opCtx.Err() != nil && ctx.Err() == nil {
		// Either the per-operation deadline elapsed, or Disconnect
		// cancelled us out from under the caller's own (still-live)
		// context; neither is ever recorded as a breaker failure.
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.KindTimeout, opCtx.Err(), "operation deadline elapsed")
		}
		return nil, errs.Wrap(errs.KindCancelled, opCtx.Err(), "connection shutting down")
	}
	if ctx.Err() != nil {
		return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "operation cancelled")
	}

	if callErr == nil {
		permit.Success()
		c.recordOutcome(true, elapsed, errs.KindTransport)
		return result, nil
	}

	kind := errs.KindTransport
	var fe *errs.Error
	if asErr(callErr, &fe) {
		kind = fe.Kind
	}

	if kind == errs.KindRemote {
		// Remote errors are surfaced verbatim and never feed the breaker.
		return nil, callErr
	}

	permit.Failure()
	c.recordOutcome(false, elapsed, kind)
	if kind == errs.KindTransport && !c.settings.Transport.IsAlive() {
		go c.handleTransportLoss()
	}
	return nil, callErr
}

func asErr(err error, target **errs.Error) bool {
	fe, ok := err.(*errs.Error)
	if !ok {
		return false
	}
	*target = fe
	return true
}

// recordOutcome updates statistics and evaluates degradation after
// every completed operation or probe result.
func (c *Connection) recordOutcome(success bool, latency time.Duration, _ errs.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Total++
	if success {
		c.stats.Successes++
		c.stats.ConsecutiveSuccesses++
		c.stats.ConsecutiveFailures = 0
		c.stats.LastSuccess = time.Now()
	} else {
		c.stats.Failures++
		c.stats.ConsecutiveFailures++
		c.stats.ConsecutiveSuccesses = 0
		c.stats.LastFailure = time.Now()
	}

	if latency > 0 {
		ms := float64(latency.Milliseconds())
		if c.stats.AvgLatencyMS == 0 {
			c.stats.AvgLatencyMS = ms
		} else {
			alpha := c.settings.LatencyEMAAlpha
			c.stats.AvgLatencyMS = alpha*ms + (1-alpha)*c.stats.AvgLatencyMS
		}
	}

	c.evaluateDegradationLocked()
}

// evaluateDegradationLocked transitions CONNECTED<->DEGRADED based on
// configured thresholds; caller must hold c.mu. Never touches
// CIRCUIT_OPEN, FAILED, or SHUTTING_DOWN states.
func (c *Connection) evaluateDegradationLocked() {
	degraded := c.stats.AvgLatencyMS > c.settings.DegradationLatencyMS ||
		c.stats.ConsecutiveFailures >= c.settings.DegradationFailureStreak

	switch c.state {
	case StateConnected:
		if degraded {
			c.setStateLocked(StateDegraded)
			c.prober.SetDegraded(true)
		}
	case StateDegraded:
		if !degraded {
			c.setStateLocked(StateConnected)
			c.prober.SetDegraded(false)
		}
	}
}

func (c *Connection) handleTransportLoss() {
	c.mu.Lock()
	if c.state == StateShuttingDown || c.state == StateFailed || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.ConnectTimeout*time.Duration(c.settings.ConnectMaxAttempts+1))
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.settings.Logger.Warn("upstream transport lost and reconnect failed",
			"upstream", c.settings.Name, "error", err)
	}
}
