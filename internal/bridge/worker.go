package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mhayashi-dev/spreadwheel/internal/broker"
)

// ErrNotRunning is returned by Submit after the worker has been stopped or
// before it was started.
var ErrNotRunning = errors.New("bridge: worker not running")

// ErrQueueFull is returned when the task queue cannot accept more work.
var ErrQueueFull = errors.New("bridge: task queue full")

// Config tunes the worker loop.
type Config struct {
	// QueueSize bounds the number of pending tasks.
	QueueSize int
	// IdlePoll is how long the worker waits for a task before pumping.
	IdlePoll time.Duration
	// PumpSlice is the event-processing budget spent per idle poll.
	PumpSlice time.Duration
	// MaxConnectRetries bounds the startup connection attempts.
	MaxConnectRetries int
	// ConnectBackoff returns the wait before retry attempt n (1-based).
	// Defaults to 2^n seconds.
	ConnectBackoff func(attempt int) time.Duration
}

// DefaultConfig is the default worker configuration.
var DefaultConfig = Config{
	QueueSize:         64,
	IdlePoll:          100 * time.Millisecond,
	PumpSlice:         10 * time.Millisecond,
	MaxConnectRetries: 3,
}

// Worker owns the broker connection for its entire lifetime. Every broker
// call in the process flows through its task queue and executes on the one
// goroutine spawned by Start; tasks are processed strictly in submission
// order.
type Worker struct {
	conn      broker.Connection
	logger    *logrus.Logger
	config    Config
	tasks     chan *Task
	stop      chan struct{}
	exited    chan struct{}
	running   atomic.Bool
	connected atomic.Bool
}

// NewWorker creates a worker for the given connection. The connection must
// not be used by anyone else once the worker is started.
func NewWorker(conn broker.Connection, logger *logrus.Logger, config ...Config) *Worker {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultConfig.IdlePoll
	}
	if cfg.PumpSlice <= 0 {
		cfg.PumpSlice = DefaultConfig.PumpSlice
	}
	if cfg.MaxConnectRetries <= 0 {
		cfg.MaxConnectRetries = DefaultConfig.MaxConnectRetries
	}
	if cfg.ConnectBackoff == nil {
		cfg.ConnectBackoff = func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Worker{
		conn:   conn,
		logger: logger,
		config: cfg,
		tasks:  make(chan *Task, cfg.QueueSize),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Start spawns the worker goroutine and blocks until the initial connection
// attempt resolves or ctx expires. A connection failure is returned to the
// caller, which decides whether to continue degraded (no trading) or abort;
// the worker loop keeps running either way so that Stop still works and
// later tasks fail cleanly.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("bridge: worker already started")
	}

	startupDone := make(chan error, 1)
	go w.loop(startupDone)

	select {
	case err := <-startupDone:
		if err != nil {
			return fmt.Errorf("bridge: startup connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: startup wait: %w", ctx.Err())
	}
}

// Stop drains a final disconnect task through the queue, then shuts the
// worker down and waits for the goroutine to exit.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.Load() {
		return nil
	}

	if w.connected.Load() {
		task, err := w.Submit(func(conn broker.Connection) (any, error) {
			return nil, conn.Disconnect()
		})
		if err == nil {
			if _, werr := task.Wait(ctx); werr != nil {
				w.logger.WithError(werr).Warn("disconnect task did not finish in time")
			}
		}
		w.connected.Store(false)
	}

	w.running.Store(false)
	close(w.stop)

	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: worker join: %w", ctx.Err())
	}
}

// IsConnected reports the last known connection state. Safe from any
// goroutine.
func (w *Worker) IsConnected() bool {
	return w.connected.Load()
}

// Submit enqueues a task and returns immediately. The returned Task completes
// when the worker has executed the operation.
func (w *Worker) Submit(op Op) (*Task, error) {
	if !w.running.Load() {
		return nil, ErrNotRunning
	}
	task := newTask(op)
	select {
	case w.tasks <- task:
		return task, nil
	default:
		return nil, ErrQueueFull
	}
}

// Call submits op and waits up to timeout for the result. It is the awaitable
// interface used by asynchronous callers; on timeout the task is detached and
// keeps running on the worker, its eventual result discarded.
func (w *Worker) Call(ctx context.Context, timeout time.Duration, op Op) (any, error) {
	task, err := w.Submit(op)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return task.Wait(waitCtx)
}

// loop runs on the dedicated goroutine. It owns the connection exclusively:
// connect with bounded retries, then alternate between executing queued tasks
// and pumping the connection's event processing.
func (w *Worker) loop(startupDone chan<- error) {
	defer close(w.exited)

	if err := w.connectWithRetries(); err != nil {
		startupDone <- err
	} else {
		w.connected.Store(true)
		startupDone <- nil
	}

	idle := time.NewTicker(w.config.IdlePoll)
	defer idle.Stop()

	for {
		select {
		case <-w.stop:
			w.drainPending()
			return
		case task := <-w.tasks:
			w.execute(task)
		case <-idle.C:
			// Keep streamed ticks and order callbacks flowing between tasks.
			if w.connected.Load() {
				w.conn.Pump(w.config.PumpSlice)
			}
		}
	}
}

func (w *Worker) connectWithRetries() error {
	var lastErr error
	for attempt := 1; attempt <= w.config.MaxConnectRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.conn.Connect(ctx)
		cancel()
		if err == nil {
			w.logger.WithField("attempt", attempt).Info("broker connection established")
			return nil
		}
		lastErr = err
		w.logger.WithError(err).WithField("attempt", attempt).Warn("broker connect failed")
		if attempt < w.config.MaxConnectRetries {
			time.Sleep(w.config.ConnectBackoff(attempt))
		}
	}
	return lastErr
}

// execute runs one task. A panicking or failing operation is reflected on the
// task and never takes down the worker loop.
func (w *Worker) execute(task *Task) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("task panicked")
			task.complete(nil, fmt.Errorf("bridge: task panic: %v", r))
		}
	}()

	result, err := task.op(w.conn)
	task.complete(result, err)

	if task.detached.Load() {
		w.logger.WithError(err).Debug("orphaned task completed, result discarded")
	}
}

// drainPending fails everything still queued at shutdown so no caller blocks
// forever.
func (w *Worker) drainPending() {
	for {
		select {
		case task := <-w.tasks:
			task.complete(nil, ErrNotRunning)
		default:
			return
		}
	}
}
