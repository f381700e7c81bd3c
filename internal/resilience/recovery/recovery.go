// Package recovery implements the staggered recovery scheduler (C7):
// it re-establishes FAILED connections under a parallelism cap, backing
// off per-connection and spreading attempt starts to avoid a
// thundering herd of simultaneous reconnects.
package recovery

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// Strategy selects the failover policy, per spec §4.7.
type Strategy string

const (
	StrategyImmediate      Strategy = "immediate"
	StrategyCircuitBreaker Strategy = "circuit-breaker"
	StrategyGradual        Strategy = "gradual"
	StrategyManual         Strategy = "manual"
)

// Settings configures a Scheduler.
type Settings struct {
	Strategy Strategy

	BaseDelay             time.Duration
	MaxDelay              time.Duration
	BackoffMultiplier     float64
	MaxParallelRecoveries int
	StaggerJitter         time.Duration

	PreRecoveryHealthCheck bool
	FailbackDelay          time.Duration
	GradualWarmupMs        time.Duration

	// ConnectTimeout bounds a single connect attempt (and pre-check, if
	// configured).
	ConnectTimeout time.Duration
}

// Result is delivered to Attempt.OnResult when a recovery attempt
// succeeds. An attempt still being retried when the scheduler stops
// receives no Result.
type Result struct {
	Recovered     bool
	GradualWarmup time.Duration
}

// Attempt describes one connection's recovery job.
type Attempt struct {
	Name                string
	ConsecutiveFailures int
	// PreCheck, if non-nil, runs before Connect; returning an error is
	// treated the same as a failed Connect (reschedule with backoff).
	PreCheck func(ctx context.Context) error
	Connect  func(ctx context.Context) error
	OnResult func(Result)
}

type waiting struct {
	attempt Attempt
	seq     uint64
}

// readyHeap orders waiting attempts by ascending consecutive failures
// (ties broken by submission order), per spec §4.7's priority rule.
type readyHeap []*waiting

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].attempt.ConsecutiveFailures != h[j].attempt.ConsecutiveFailures {
		return h[i].attempt.ConsecutiveFailures < h[j].attempt.ConsecutiveFailures
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*waiting)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler dispatches recovery attempts under a parallelism cap.
type Scheduler struct {
	settings Settings
	sem      *semaphore.Weighted

	mu      sync.Mutex
	cond    *sync.Cond
	ready   readyHeap
	nextSeq uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler and starts its dispatch loop.
func New(s Settings) *Scheduler {
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = time.Minute
	}
	if s.BackoffMultiplier <= 1 {
		s.BackoffMultiplier = 2
	}
	if s.MaxParallelRecoveries <= 0 {
		s.MaxParallelRecoveries = 1
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{
		settings: s,
		sem:      semaphore.NewWeighted(int64(s.MaxParallelRecoveries)),
		ctx:      ctx,
		cancel:   cancel,
	}
	sch.cond = sync.NewCond(&sch.mu)
	sch.wg.Add(1)
	go sch.dispatchLoop()
	return sch
}

// Stop cancels in-flight dispatch and waits for the dispatch loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.cond.Broadcast()
	s.wg.Wait()
}

// Schedule enqueues a recovery attempt. Under StrategyImmediate or
// StrategyManual, scheduling is a caller error avoidance no-op: the
// design intentionally performs no automatic reconnect for those
// strategies, so Schedule returns false without touching the attempt.
func (s *Scheduler) Schedule(a Attempt) bool {
	switch s.settings.Strategy {
	case StrategyImmediate, StrategyManual:
		return false
	}
	s.scheduleAfter(a, s.delayFor(a.ConsecutiveFailures))
	return true
}

// ForceNow bypasses the configured strategy and backoff, enqueueing the
// attempt to run as soon as a parallelism slot is available. Used by
// the fleet's forceRecovery operator call.
func (s *Scheduler) ForceNow(a Attempt) {
	s.scheduleAfter(a, 0)
}

func (s *Scheduler) delayFor(consecutiveFailures int) time.Duration {
	if s.settings.Strategy == StrategyCircuitBreaker {
		return s.jitter(s.settings.FailbackDelay)
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     s.settings.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          s.settings.BackoffMultiplier,
		MaxInterval:         s.settings.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	delay := bo.InitialInterval
	for i := 0; i < consecutiveFailures; i++ {
		d := bo.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delay = d
	}
	if delay > s.settings.MaxDelay {
		delay = s.settings.MaxDelay
	}
	return s.jitter(delay)
}

func (s *Scheduler) jitter(d time.Duration) time.Duration {
	if s.settings.StaggerJitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(s.settings.StaggerJitter)))
}

func (s *Scheduler) scheduleAfter(a Attempt, delay time.Duration) {
	w := &waiting{attempt: a}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	w.seq = s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	if delay <= 0 {
		s.enqueueReady(w)
		return
	}
	time.AfterFunc(delay, func() { s.enqueueReady(w) })
}

func (s *Scheduler) enqueueReady(w *waiting) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	heap.Push(&s.ready, w)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.ready.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		w := heap.Pop(&s.ready).(*waiting)
		s.mu.Unlock()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go s.run(w)
	}
}

func (s *Scheduler) run(w *waiting) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(s.ctx, s.settings.ConnectTimeout)
	defer cancel()

	a := w.attempt
	if s.settings.PreRecoveryHealthCheck && a.PreCheck != nil {
		if err := a.PreCheck(ctx); err != nil {
			a.ConsecutiveFailures++
			s.scheduleAfter(a, s.delayFor(a.ConsecutiveFailures))
			return
		}
	}

	if err := a.Connect(ctx); err != nil {
		a.ConsecutiveFailures++
		s.scheduleAfter(a, s.delayFor(a.ConsecutiveFailures))
		return
	}

	result := Result{Recovered: true}
	if s.settings.Strategy == StrategyGradual {
		result.GradualWarmup = s.settings.GradualWarmupMs
	}
	if a.OnResult != nil {
		a.OnResult(result)
	}
}

// GradualWeight computes the eligibility weight for a connection still
// ramping up under StrategyGradual, per spec §4.7: weight rises
// linearly from 0 to 1 over the warm-up window and is 1 thereafter.
func GradualWeight(elapsed, warmup time.Duration) float64 {
	if warmup <= 0 {
		return 1
	}
	if elapsed >= warmup {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) / float64(warmup)
}
