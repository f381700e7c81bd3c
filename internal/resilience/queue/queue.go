// Package queue implements the bounded request queue with backpressure
// (C5): callers submit work, the dispatcher releases it in enqueue
// order as concurrency and deadlines allow, and callers await the
// eventual result by handle.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Errors returned by queue operations. These are intentionally plain
// sentinels; the fleet layer maps them onto the shared errs.Kind
// taxonomy, annotating upstream/correlation context the queue itself
// has no knowledge of.
var (
	ErrQueueFull       = errors.New("request queue full")
	ErrUnknownHandle   = errors.New("unknown request handle")
	ErrAwaitTimeout    = errors.New("await deadline elapsed")
	ErrCancelled       = errors.New("request cancelled")
	ErrDeadlineElapsed = errors.New("request deadline elapsed before dispatch")
	ErrQueueClosed     = errors.New("request queue closed")
)

// Job is the unit of work a submitted request performs once dispatched.
// The context passed in carries the request's deadline and is cancelled
// if the request is cancelled after dispatch.
type Job func(ctx context.Context) (any, error)

// Handle identifies a submitted request for Await/Cancel.
type Handle struct {
	id uint64
	e  *entry
}

type entry struct {
	id         uint64
	job        Job
	deadline   time.Time
	listElem   *list.Element
	cancelFunc context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func (e *entry) complete(result any, err error) {
	e.once.Do(func() {
		e.result = result
		e.err = err
		close(e.done)
	})
}

// Queue is a bounded FIFO with a concurrency ceiling on dispatched work.
type Queue struct {
	maxSize     int
	concurrency int

	mu      sync.Mutex
	cond    *sync.Cond
	pending *list.List
	byID    map[uint64]*entry
	closed  bool
	nextID  atomic.Uint64

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Queue with the given maximum pending size and dispatch
// concurrency ceiling.
func New(maxSize, concurrency int) *Queue {
	if maxSize <= 0 {
		maxSize = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	q := &Queue{
		maxSize:     maxSize,
		concurrency: concurrency,
		pending:     list.New(),
		byID:        make(map[uint64]*entry),
		sem:         make(chan struct{}, concurrency),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.dispatchLoop()
	return q
}

// Submit enqueues job for dispatch. deadline, if non-zero, is the
// absolute time by which the request must have been dispatched; a
// request still pending past its deadline is completed with
// ErrDeadlineElapsed instead of being sent to the job. Submit rejects
// immediately with ErrQueueFull if the queue is already at capacity.
func (q *Queue) Submit(job Job, deadline time.Time) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q.pending.Len() >= q.maxSize {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	e := &entry{
		id:       q.nextID.Add(1),
		job:      job,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	e.listElem = q.pending.PushBack(e)
	q.byID[e.id] = e
	q.mu.Unlock()
	q.cond.Signal()

	return &Handle{id: e.id, e: e}, nil
}

// Await blocks until the request identified by h completes, ctx is
// cancelled, or waitDeadline (if non-zero) elapses, whichever comes
// first. A waitDeadline timeout does not cancel or remove the
// underlying request; the caller may Await again.
func (q *Queue) Await(ctx context.Context, h *Handle, waitDeadline time.Time) (any, error) {
	if h == nil || h.e == nil {
		return nil, ErrUnknownHandle
	}
	e := h.e

	var timeoutCh <-chan time.Time
	if !waitDeadline.IsZero() {
		timer := time.NewTimer(time.Until(waitDeadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-e.done:
		return e.result, e.err
	case <-timeoutCh:
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the request identified by h. If it has not yet been
// dispatched, it is removed from the queue and completes with
// ErrCancelled. If already dispatched, its job context is cancelled so
// the running job can cooperate.
func (q *Queue) Cancel(h *Handle) {
	q.mu.Lock()
	e, ok := q.byID[h.id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if e.listElem != nil {
		q.pending.Remove(e.listElem)
		e.listElem = nil
		delete(q.byID, h.id)
		q.mu.Unlock()
		e.complete(nil, ErrCancelled)
		return
	}
	cancel := e.cancelFunc
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops accepting new work and fails every still-pending request
// with ErrCancelled. Dispatched work is left to run to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	var drained []*entry
	for e := q.pending.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(*entry))
	}
	q.pending.Init()
	for _, e := range drained {
		delete(q.byID, e.id)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
	for _, e := range drained {
		e.complete(nil, ErrCancelled)
	}
}

// Len reports the number of requests currently pending dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) dispatchLoop() {
	for {
		q.sem <- struct{}{}
		q.mu.Lock()
		for q.pending.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.pending.Len() == 0 && q.closed {
			q.mu.Unlock()
			<-q.sem
			return
		}
		front := q.pending.Front()
		e := front.Value.(*entry)
		q.pending.Remove(front)
		e.listElem = nil

		if !e.deadline.IsZero() && !time.Now().Before(e.deadline) {
			delete(q.byID, e.id)
			q.mu.Unlock()
			e.complete(nil, ErrDeadlineElapsed)
			<-q.sem
			continue
		}
		q.mu.Unlock()

		q.wg.Add(1)
		go q.run(e)
	}
}

func (q *Queue) run(e *entry) {
	defer q.wg.Done()
	defer func() { <-q.sem }()

	ctx := context.Background()
	if !e.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, e.deadline)
		defer cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	e.cancelFunc = cancel
	q.mu.Unlock()

	result, err := e.job(runCtx)

	q.mu.Lock()
	delete(q.byID, e.id)
	q.mu.Unlock()

	if err == nil {
		e.complete(result, nil)
		return
	}
	if runCtx.Err() != nil && ctx.Err() == nil {
		e.complete(nil, ErrCancelled)
		return
	}
	e.complete(result, err)
}
