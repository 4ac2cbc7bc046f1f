// Package bridge serializes all broker-connection calls onto one dedicated
// worker goroutine. Asynchronous callers submit closures and await typed
// results through futures; the worker pumps the connection's own event
// handling between tasks so streamed ticks and order-status callbacks keep
// arriving.
package bridge

import (
	"context"
	"sync/atomic"

	"github.com/mhayashi-dev/spreadwheel/internal/broker"
)

// Op is a unit of work executed on the worker goroutine with exclusive access
// to the broker connection.
type Op func(conn broker.Connection) (any, error)

// Task is a deferred broker operation with a single-assignment result slot.
// It is created by Submit and completed exactly once, by the worker, with
// either a value or an error. The submitting caller owns waiting on it.
type Task struct {
	op       Op
	done     chan struct{}
	result   any
	err      error
	detached atomic.Bool
}

func newTask(op Op) *Task {
	return &Task{op: op, done: make(chan struct{})}
}

// complete is called exactly once by the worker goroutine.
func (t *Task) complete(result any, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Wait blocks until the task completes or ctx expires. On ctx expiry the task
// is detached: it keeps running on the worker to completion and its result is
// discarded. Wait must not be called from the worker goroutine.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		t.detached.Store(true)
		return nil, ctx.Err()
	}
}

// Detach abandons the task without waiting; the worker still runs it and
// discards the result.
func (t *Task) Detach() {
	t.detached.Store(true)
}

// Done reports whether the task has completed.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
