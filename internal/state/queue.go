package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueStopped is returned for work submitted after Stop.
var ErrQueueStopped = errors.New("write queue stopped")

type queuedOp struct {
	name string
	fn   func() error
	done chan error
}

// Queue is the single global write lane. Every durable write, across all
// sessions, runs on one worker goroutine in submission order. Each op
// reports its own error; a failed op does not affect the ones behind it.
type Queue struct {
	lane   chan *queuedOp
	active atomic.Int64

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewQueue creates a queue whose lane buffers up to depth pending ops.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 1
	}
	return &Queue{lane: make(chan *queuedOp, depth)}
}

// Start launches the worker. It is a no-op after the first call.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.process()
}

// Stop refuses new work, drains what is already queued and waits for the
// worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.lane)
	started := q.started
	q.mu.Unlock()
	if started {
		q.wg.Wait()
		return
	}
	for op := range q.lane {
		op.done <- ErrQueueStopped
	}
}

// Do submits fn and blocks until it has run. ctx is only consulted before
// the op is handed to the worker; an accepted op always completes.
func (q *Queue) Do(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := &queuedOp{name: name, fn: fn, done: make(chan error, 1)}

	q.mu.RLock()
	if q.stopped {
		q.mu.RUnlock()
		return ErrQueueStopped
	}
	select {
	case q.lane <- op:
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()

	return <-op.done
}

func (q *Queue) process() {
	defer q.wg.Done()
	for op := range q.lane {
		q.active.Add(1)
		err := q.run(op)
		if err != nil {
			slog.Debug("queued write failed", "op", op.name, "error", err)
		}
		op.done <- err
		q.active.Add(-1)
	}
}

func (q *Queue) run(op *queuedOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op.name, r)
		}
	}()
	return op.fn()
}

// WaitIdle blocks until no op is running or the timeout expires. Returns
// true if idle.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 && len(q.lane) == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
