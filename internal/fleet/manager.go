// Package fleet implements the fleet manager (C8): the top-level
// component that owns every upstream's resilient connection, performs
// load-balanced dispatch through the request queue, and drives
// staggered recovery of FAILED connections.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcp-fleet/mcp-fleet/internal/adapter/outbound/mcp"
	"github.com/mcp-fleet/mcp-fleet/internal/adapter/outbound/state"
	"github.com/mcp-fleet/mcp-fleet/internal/config"
	"github.com/mcp-fleet/mcp-fleet/internal/domain/upstream"
	"github.com/mcp-fleet/mcp-fleet/internal/port/outbound"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/breaker"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/connection"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/errs"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/health"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/queue"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/recovery"
	"github.com/mcp-fleet/mcp-fleet/internal/resilience/selector"
)

// TransportFactory builds the outbound.Transport for a descriptor. The
// Manager's default covers stdio/tcp/websocket; embedders with a
// custom transport kind, or tests substituting a fake, override it via
// WithTransportFactory.
type TransportFactory = transportFactory

// transportFactory builds the outbound.Transport for a descriptor.
// A field (not a free function) so tests can substitute a fake.
type transportFactory func(d upstream.Descriptor) (outbound.Transport, error)

func defaultTransportFactory(d upstream.Descriptor) (outbound.Transport, error) {
	switch d.Transport {
	case upstream.TransportStdio:
		return mcp.NewStdioTransport(d.Command, d.Args, d.Env), nil
	case upstream.TransportTCP:
		return mcp.NewTCPTransport(d.Host, d.Port), nil
	case upstream.TransportWebSocket:
		return mcp.NewWebSocketTransport(d.URL), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", d.Transport)
	}
}

// member bundles a connection with the bookkeeping the manager needs
// beyond what connection.Connection tracks about itself.
type member struct {
	conn        *connection.Connection
	descriptor  upstream.Descriptor
	recoveredAt time.Time // zero until the first successful recovery
}

// Manager is the fleet-level resilience and dispatch component (C8).
type Manager struct {
	cfg    config.FleetConfig
	logger *slog.Logger

	transportFactory transportFactory

	mu      sync.RWMutex
	members map[string]*member
	closed  bool

	queue     *queue.Queue
	selector  *selector.Selector
	recoverer *recovery.Scheduler
	alerts    *alertRing
	events    *eventBus
	metrics   MetricsSink

	sweepStop chan struct{}
	sweepDone chan struct{}

	stateStore *state.FileStateStore
}

// Option customizes a Manager at construction time.
type Option func(*Manager)

// WithMetrics directs the Manager to report dispatch, state, queue, and
// recovery signals to sink instead of discarding them.
func WithMetrics(sink MetricsSink) Option {
	return func(m *Manager) { m.metrics = sink }
}

// WithTransportFactory overrides how the Manager builds an
// outbound.Transport for a newly added upstream.
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.transportFactory = f }
}

// WithStateStore directs the Manager to persist its live upstream set
// to store on every AddUpstream/RemoveUpstream, so a restart can rejoin
// the same fleet it left. Without this option, runtime upstream changes
// are not persisted.
func WithStateStore(store *state.FileStateStore) Option {
	return func(m *Manager) { m.stateStore = store }
}

// New builds a Manager from cfg. It does not connect any upstream;
// callers add upstreams with AddUpstream.
func New(cfg config.FleetConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:              cfg,
		logger:           logger,
		transportFactory: defaultTransportFactory,
		members:          make(map[string]*member),
		queue:            queue.New(cfg.Resources.MaxQueueSize, cfg.LoadBalancing.MaxConcurrentRequests),
		selector:         selector.New(selector.Strategy(cfg.LoadBalancing.Strategy), cfg.LoadBalancing.DegradedEligible),
		alerts:           newAlertRing(256),
		events:           newEventBus(),
		metrics:          NoopMetrics,
		sweepStop:        make(chan struct{}),
		sweepDone:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.recoverer = recovery.New(recovery.Settings{
		Strategy:               recovery.Strategy(cfg.Failover.Strategy),
		BaseDelay:              time.Duration(cfg.Recovery.BaseDelayMs) * time.Millisecond,
		MaxDelay:               time.Duration(cfg.Recovery.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier:      cfg.Recovery.BackoffMultiplier,
		MaxParallelRecoveries:  cfg.Recovery.MaxParallelRecoveries,
		StaggerJitter:          time.Duration(cfg.Recovery.StaggerJitterMs) * time.Millisecond,
		PreRecoveryHealthCheck: cfg.Failover.PreRecoveryHealthCheck,
		FailbackDelay:          time.Duration(cfg.Failover.FailbackDelayMs) * time.Millisecond,
		GradualWarmupMs:        time.Duration(cfg.Failover.GradualWarmupMs) * time.Millisecond,
		ConnectTimeout:         time.Duration(cfg.LoadBalancing.DefaultRequestTimeoutMs) * time.Millisecond,
	})

	go m.sweepLoop()
	return m
}

// Subscribe returns a channel of fleet events, matching the
// upstreamAdded/upstreamRemoved/stateChanged/alertRaised/metricsSwept
// vocabulary. Call the returned func to unsubscribe.
func (m *Manager) Subscribe(bufferSize int) (<-chan Event, func()) {
	return m.events.Subscribe(bufferSize)
}

// AddUpstream registers a new upstream, builds its transport and
// resilient connection, and attempts an initial connect. The
// connection is retained (in FAILED state) even if the initial connect
// fails, so it remains visible to Status and eligible for recovery.
func (m *Manager) AddUpstream(ctx context.Context, d upstream.Descriptor) error {
	if err := d.Validate(); err != nil {
		return errs.Wrap(errs.KindConfiguration, err, "invalid upstream descriptor")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New(errs.KindConfiguration, "fleet is shut down")
	}
	if _, exists := m.members[d.Name]; exists {
		m.mu.Unlock()
		return errs.New(errs.KindConfiguration, "upstream %s already registered", d.Name)
	}
	if len(m.members) >= m.cfg.Resources.MaxTotalUpstreams {
		m.mu.Unlock()
		return errs.New(errs.KindLimitExceeded, "fleet at max_total_upstreams (%d)", m.cfg.Resources.MaxTotalUpstreams)
	}
	m.mu.Unlock()

	transport, err := m.transportFactory(d)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, err, "building transport for %s", d.Name)
	}

	conn := connection.New(connection.Settings{
		Name:      d.Name,
		Transport: transport,
		Logger:    m.logger,
		Breaker: breaker.Settings{
			FailureThreshold: uint32(m.cfg.CircuitBreaker.FailureThreshold),
			SuccessThreshold: uint32(m.cfg.CircuitBreaker.SuccessThreshold),
			Cooldown:         time.Duration(m.cfg.CircuitBreaker.CooldownMs) * time.Millisecond,
			RollingWindow:    uint32(m.cfg.CircuitBreaker.RollingWindow),
		},
		HealthStrategy:           health.Strategy(m.cfg.HealthCheck.Strategy),
		HealthInterval:           time.Duration(m.cfg.HealthCheck.IntervalMs) * time.Millisecond,
		HealthDegradedInterval:   time.Duration(m.cfg.HealthCheck.DegradedIntervalMs) * time.Millisecond,
		HealthTimeout:            time.Duration(m.cfg.HealthCheck.TimeoutMs) * time.Millisecond,
		ConnectTimeout:           time.Duration(m.cfg.LoadBalancing.DefaultRequestTimeoutMs) * time.Millisecond,
		InFlightCeiling:          m.cfg.LoadBalancing.MaxConcurrentRequestsPerUpstream,
		DegradationFailureStreak: int64(m.cfg.CircuitBreaker.FailureThreshold) - 1,
		OnStateChange:            m.onConnectionStateChange,
	})

	mem := &member{conn: conn, descriptor: d}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New(errs.KindConfiguration, "fleet is shut down")
	}
	m.members[d.Name] = mem
	m.mu.Unlock()

	m.events.Publish(Event{Kind: EventUpstreamAdded, Upstream: d.Name, At: time.Now()})
	m.persistUpstreams()

	if err := conn.Connect(ctx); err != nil {
		m.logger.Warn("initial connect failed, upstream remains FAILED pending recovery",
			"upstream", d.Name, "error", err)
	}
	return nil
}

// RemoveUpstream disconnects and forgets an upstream. A subsequent
// AddUpstream under the same name starts with fresh statistics.
func (m *Manager) RemoveUpstream(ctx context.Context, name string) error {
	m.mu.Lock()
	mem, ok := m.members[name]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.KindConfiguration, "upstream %s not registered", name).WithUpstream(name)
	}
	delete(m.members, name)
	m.mu.Unlock()

	if err := mem.conn.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect reported an error during removal", "upstream", name, "error", err)
	}
	m.events.Publish(Event{Kind: EventUpstreamRemoved, Upstream: name, At: time.Now()})
	m.persistUpstreams()
	return nil
}

// persistUpstreams saves the current live upstream set to the
// configured state store, if any, so a restart rejoins the same fleet
// it left. Logs and otherwise ignores a save failure: persistence is
// best-effort and must never fail the add/remove call that triggered it.
func (m *Manager) persistUpstreams() {
	if m.stateStore == nil {
		return
	}
	appState, err := m.stateStore.Load()
	if err != nil {
		m.logger.Warn("failed to load state for persistence", "error", err)
		return
	}
	appState.Upstreams = state.FromDescriptors(m.Descriptors())
	if err := m.stateStore.Save(appState); err != nil {
		m.logger.Warn("failed to persist upstream set", "error", err)
	}
}

// onConnectionStateChange fans out a connection's transitions to the
// event bus and, on entry to FAILED, schedules a recovery attempt per
// spec §4.7 (the connection's own Connect already exhausted its
// bounded retry budget by the time it reaches FAILED).
func (m *Manager) onConnectionStateChange(name string, from, to connection.State) {
	m.metrics.SetUpstreamState(name, string(to))
	m.events.Publish(Event{
		Kind:      EventStateChanged,
		Upstream:  name,
		At:        time.Now(),
		FromState: string(from),
		ToState:   string(to),
	})

	if to != connection.StateFailed || !m.cfg.Recovery.AutoRecovery {
		return
	}

	m.mu.RLock()
	mem, ok := m.members[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	stats := mem.conn.Stats()
	attempt := recovery.Attempt{
		Name:                name,
		ConsecutiveFailures: int(stats.ConsecutiveFailures),
		Connect:             mem.conn.Connect,
		OnResult:            func(r recovery.Result) { m.onRecoveryResult(name, r) },
	}
	if m.cfg.Failover.PreRecoveryHealthCheck && m.cfg.HealthCheck.Strategy != string(health.StrategyNone) {
		attempt.PreCheck = mem.conn.ForceHealthCheck
	}
	m.recoverer.Schedule(attempt)
}

func (m *Manager) onRecoveryResult(name string, r recovery.Result) {
	m.metrics.IncRecoveryAttempt(name, r.Recovered)
	if !r.Recovered {
		return
	}
	m.mu.RLock()
	mem, ok := m.members[name]
	m.mu.RUnlock()
	if ok {
		mem.recoveredAt = time.Now()
	}
}

// ForceRecovery bypasses the configured failover strategy and
// immediately schedules a recovery attempt for name, for the
// operator-initiated recovery call.
func (m *Manager) ForceRecovery(name string) error {
	m.mu.RLock()
	mem, ok := m.members[name]
	m.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindConfiguration, "upstream %s not registered", name).WithUpstream(name)
	}

	stats := mem.conn.Stats()
	attempt := recovery.Attempt{
		Name:                name,
		ConsecutiveFailures: int(stats.ConsecutiveFailures),
		Connect:             mem.conn.Connect,
		OnResult:            func(r recovery.Result) { m.onRecoveryResult(name, r) },
	}
	if m.cfg.Failover.PreRecoveryHealthCheck && m.cfg.HealthCheck.Strategy != string(health.StrategyNone) {
		attempt.PreCheck = mem.conn.ForceHealthCheck
	}
	m.recoverer.ForceNow(attempt)
	return nil
}

// requestDeadline resolves the effective deadline for a call: the
// caller's own context deadline if sooner, else the configured default.
func (m *Manager) requestDeadline(ctx context.Context) time.Time {
	def := time.Now().Add(time.Duration(m.cfg.LoadBalancing.DefaultRequestTimeoutMs) * time.Millisecond)
	if dl, ok := ctx.Deadline(); ok && dl.Before(def) {
		return dl
	}
	return def
}

// candidateCeiling applies the gradual-recovery weight to a freshly
// recovered connection's in-flight ceiling: under StrategyGradual, a
// connection's share of traffic ramps linearly over the configured
// warm-up window instead of resuming at full weight immediately.
func (m *Manager) candidateCeiling(mem *member) int {
	ceiling := m.cfg.LoadBalancing.MaxConcurrentRequestsPerUpstream
	if m.cfg.Failover.Strategy != string(recovery.StrategyGradual) || mem.recoveredAt.IsZero() {
		return ceiling
	}
	warmup := time.Duration(m.cfg.Failover.GradualWarmupMs) * time.Millisecond
	weight := recovery.GradualWeight(time.Since(mem.recoveredAt), warmup)
	scaled := int(float64(ceiling) * weight)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func (m *Manager) candidates() []selector.Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]selector.Candidate, 0, len(m.members))
	for name, mem := range m.members {
		var state selector.ConnState
		switch mem.conn.State() {
		case connection.StateConnected:
			state = selector.ConnConnected
		case connection.StateDegraded:
			state = selector.ConnDegraded
		default:
			continue
		}
		stats := mem.conn.Stats()
		var failureRate float64
		if stats.Total > 0 {
			failureRate = float64(stats.Failures) / float64(stats.Total)
		}
		out = append(out, selector.Candidate{
			Name:             name,
			State:            state,
			InFlight:         int(stats.InFlight),
			InFlightCeiling:  m.candidateCeiling(mem),
			AverageLatencyMS: stats.AvgLatencyMS,
			FailureRate:      failureRate,
		})
	}
	return out
}

// pick selects an eligible connection not present in exclude, applying
// the gradual-recovery weight as a throttling discount on freshly
// recovered connections when the fleet's failover strategy is gradual.
// preferred, if non-empty and still eligible, is always chosen
// regardless of the configured selection strategy.
func (m *Manager) pick(exclude map[string]bool, preferred string) (*member, error) {
	candidates := m.candidates()
	if len(exclude) > 0 {
		filtered := candidates[:0]
		for _, c := range candidates {
			if !exclude[c.Name] {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	name, err := m.selector.Select(candidates, preferred)
	if err != nil {
		return nil, errs.Wrap(errs.KindNoUpstreamAvailable, err, "no eligible upstream")
	}
	m.mu.RLock()
	mem := m.members[name]
	m.mu.RUnlock()
	if mem == nil {
		return nil, errs.New(errs.KindNoUpstreamAvailable, "selected upstream vanished")
	}
	return mem, nil
}

func isRetriable(err error) bool {
	var fe *errs.Error
	if errors.As(err, &fe) {
		return fe.Retriable()
	}
	return false
}

// callWithRetry picks an eligible connection and invokes call against
// it, retrying against a different connection on a retriable error
// (transport/timeout/circuit-open/no-upstream-available) until the
// request's own context is done or every candidate has been tried, so
// an isolated upstream never surfaces a failure to the caller while a
// healthy sibling remains eligible. When cfg.Failover.AutoFailover is
// disabled, the chosen upstream's result (success or failure) is
// returned as-is and no cross-upstream retry is attempted.
func (m *Manager) callWithRetry(ctx context.Context, preferred string, call func(*member) (any, error)) (any, string, error) {
	tried := make(map[string]bool)
	var lastErr error
	for {
		mem, err := m.pick(tried, preferred)
		if err != nil {
			if lastErr != nil {
				return nil, "", lastErr
			}
			return nil, "", err
		}
		tried[mem.conn.Name()] = true

		result, err := call(mem)
		if err == nil {
			return result, mem.conn.Name(), nil
		}
		lastErr = err
		if !m.cfg.Failover.AutoFailover || !isRetriable(err) || ctx.Err() != nil {
			return nil, mem.conn.Name(), err
		}
	}
}

// CallTool dispatches a callTool request to an eligible upstream
// through the fleet-wide queue, applying load balancing at the moment
// a concurrency slot is available and retrying onto a sibling upstream
// if the chosen one fails with a retriable error. preferred, if
// non-empty, names the upstream the caller wants used when it is
// eligible — the selector's preferred-upstream hint from spec §4.6 —
// and falls back to the configured selection strategy otherwise. Pass
// "" for no preference.
func (m *Manager) CallTool(ctx context.Context, toolName string, args []byte, preferred string) (*outbound.ToolResult, error) {
	start := time.Now()
	var upstreamName string
	v, err := m.dispatch(ctx, func(jobCtx context.Context, deadline time.Time) (any, error) {
		result, name, err := m.callWithRetry(jobCtx, preferred, func(mem *member) (any, error) {
			return mem.conn.CallTool(jobCtx, toolName, args, deadline)
		})
		upstreamName = name
		return result, err
	})
	m.metrics.ObserveDispatch("call_tool", upstreamName, dispatchStatus(err), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return v.(*outbound.ToolResult), nil
}

// ReadResource dispatches a readResource request to an eligible
// upstream through the fleet-wide queue, with the same retry-onto-
// sibling behavior and preferred-upstream hint as CallTool.
func (m *Manager) ReadResource(ctx context.Context, uri string, preferred string) (*outbound.ResourcePayload, error) {
	start := time.Now()
	var upstreamName string
	v, err := m.dispatch(ctx, func(jobCtx context.Context, deadline time.Time) (any, error) {
		result, name, err := m.callWithRetry(jobCtx, preferred, func(mem *member) (any, error) {
			return mem.conn.ReadResource(jobCtx, uri, deadline)
		})
		upstreamName = name
		return result, err
	})
	m.metrics.ObserveDispatch("read_resource", upstreamName, dispatchStatus(err), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return v.(*outbound.ResourcePayload), nil
}

func dispatchStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Manager) dispatch(ctx context.Context, fn func(context.Context, time.Time) (any, error)) (any, error) {
	deadline := m.requestDeadline(ctx)

	handle, err := m.queue.Submit(func(jobCtx context.Context) (any, error) {
		return fn(jobCtx, deadline)
	}, deadline)
	if err != nil {
		return nil, mapQueueError(err)
	}

	result, err := m.queue.Await(ctx, handle, deadline)
	if err != nil {
		return nil, mapQueueError(err)
	}
	return result, nil
}

func mapQueueError(err error) error {
	var fe *errs.Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return errs.Wrap(errs.KindQueueFull, err, "request queue full")
	case errors.Is(err, queue.ErrQueueClosed):
		return errs.Wrap(errs.KindCancelled, err, "fleet shutting down")
	case errors.Is(err, queue.ErrCancelled):
		return errs.Wrap(errs.KindCancelled, err, "request cancelled")
	case errors.Is(err, queue.ErrDeadlineElapsed), errors.Is(err, queue.ErrAwaitTimeout):
		return errs.Wrap(errs.KindTimeout, err, "request deadline elapsed")
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindTimeout, err, "request deadline elapsed")
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.KindCancelled, err, "request cancelled")
	default:
		return errs.Wrap(errs.KindTransport, err, "dispatch failed")
	}
}

// UpstreamSnapshot is a point-in-time view of one upstream's state and
// statistics for the status operation.
type UpstreamSnapshot struct {
	Name  string
	State connection.State
	Stats connection.Stats
}

// Snapshot is the fleet-wide status returned by Status.
type Snapshot struct {
	Upstreams     []UpstreamSnapshot
	Alerts        []Alert
	QueueDepth    int
	DroppedEvents int64
}

// Status returns a consistent point-in-time snapshot of every
// registered upstream, recent alerts, and queue depth.
func (m *Manager) Status() Snapshot {
	m.mu.RLock()
	ups := make([]UpstreamSnapshot, 0, len(m.members))
	for name, mem := range m.members {
		ups = append(ups, UpstreamSnapshot{Name: name, State: mem.conn.State(), Stats: mem.conn.Stats()})
	}
	m.mu.RUnlock()

	return Snapshot{
		Upstreams:     ups,
		Alerts:        m.alerts.List(),
		QueueDepth:    m.queue.Len(),
		DroppedEvents: m.events.Dropped(),
	}
}

// Descriptors returns the descriptor of every currently registered
// upstream, in no particular order. Used to persist the runtime
// upstream set between restarts.
func (m *Manager) Descriptors() []upstream.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]upstream.Descriptor, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem.descriptor)
	}
	return out
}

// Shutdown tears down every connection, stops the recovery scheduler
// and metrics sweep, and closes the queue and event bus. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	members := make([]*member, 0, len(m.members))
	for _, mem := range m.members {
		members = append(members, mem)
	}
	m.mu.Unlock()

	close(m.sweepStop)
	<-m.sweepDone

	m.recoverer.Stop()
	m.queue.Close()

	var firstErr error
	for _, mem := range members {
		if err := mem.conn.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.events.Close()
	return firstErr
}
