// Package dispatch provides the asynchronous task executor the session
// state machines off-load pipeline stages to. Each submission returns a
// Task handle that callers poll; the session control loop never blocks on
// LLM latency directly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"reportforge/pkg/logx"
)

const defaultQueueSize = 100

var (
	// ErrNotReady is returned by Task.Result before the task completes.
	ErrNotReady = errors.New("task not ready")
	// ErrNotRunning is returned by Submit when the dispatcher is stopped.
	ErrNotRunning = errors.New("dispatcher not running")
	// ErrQueueFull is returned by Submit when the work queue is saturated.
	ErrQueueFull = errors.New("dispatch queue full")
)

// TaskFunc is one unit of asynchronous work.
type TaskFunc func(ctx context.Context) (any, error)

// Task is a poll-style handle on one submitted unit of work. Results of
// tasks nobody reads are simply discarded.
type Task struct {
	id   string
	name string
	done chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

// ID returns the task's opaque identifier.
func (t *Task) ID() string { return t.id }

// Name returns the label the task was submitted under.
func (t *Task) Name() string { return t.name }

// Ready reports whether the task has completed.
func (t *Task) Ready() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done exposes the completion channel for select-based waiting.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the task's outcome. Before completion it returns
// ErrNotReady; poll Ready or select on Done first.
func (t *Task) Result() (any, error) {
	if !t.Ready() {
		return nil, ErrNotReady
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Wait blocks until the task completes or the context is canceled.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for task %s: %w", t.name, ctx.Err())
	case <-t.done:
		return t.Result()
	}
}

// submission pairs a task handle with its work function.
type submission struct {
	task *Task
	fn   TaskFunc
}

// Dispatcher runs submitted tasks on a fixed worker pool.
type Dispatcher struct {
	logger  *logx.Logger
	queue   chan submission
	workers int

	mu       sync.Mutex
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		logger:  logx.NewLogger("dispatch"),
		queue:   make(chan submission, defaultQueueSize),
		workers: workers,
	}
}

// Start launches the worker pool. Idempotent while running.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}

	d.logger.Info("dispatcher started: workers=%d", d.workers)
}

// Stop cancels in-flight task contexts and waits for workers to drain, up
// to the given context's deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	case <-done:
		d.drain()
		d.logger.Info("dispatcher stopped")
		return nil
	}
}

// drain fails any tasks still queued after the workers exit so pollers
// are never left waiting on work that will not run.
func (d *Dispatcher) drain() {
	for {
		select {
		case sub := <-d.queue:
			sub.task.mu.Lock()
			sub.task.err = ErrNotRunning
			sub.task.mu.Unlock()
			close(sub.task.done)
			d.logger.Warn("task abandoned on stop: name=%s id=%s", sub.task.name, sub.task.id)
		default:
			return
		}
	}
}

// Submit enqueues a task and returns its handle. The name labels log lines
// for the task's lifecycle.
func (d *Dispatcher) Submit(name string, fn TaskFunc) (*Task, error) {
	task := &Task{
		id:   uuid.New().String(),
		name: name,
		done: make(chan struct{}),
	}

	// The enqueue stays under the lock so a submission cannot slip in
	// between Stop flipping running and the workers exiting. The send
	// never blocks, so holding the lock across it is safe.
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, ErrNotRunning
	}

	select {
	case d.queue <- submission{task: task, fn: fn}:
		d.logger.Debug("task submitted: name=%s id=%s", name, task.id)
		return task, nil
	default:
		return nil, fmt.Errorf("submit %s: %w", name, ErrQueueFull)
	}
}

// worker drains the queue until the dispatcher stops.
func (d *Dispatcher) worker(n int) {
	defer d.workerWG.Done()

	for {
		select {
		case <-d.baseCtx.Done():
			return
		case sub := <-d.queue:
			d.execute(n, sub)
		}
	}
}

// execute runs one task, recovering panics into task errors so a bad stage
// never takes a worker down.
func (d *Dispatcher) execute(worker int, sub submission) {
	defer func() {
		if r := recover(); r != nil {
			sub.task.mu.Lock()
			sub.task.err = fmt.Errorf("task %s panicked: %v", sub.task.name, r)
			sub.task.mu.Unlock()
			close(sub.task.done)
			d.logger.Error("task panic: name=%s id=%s worker=%d: %v", sub.task.name, sub.task.id, worker, r)
		}
	}()

	result, err := sub.fn(d.baseCtx)

	sub.task.mu.Lock()
	sub.task.result = result
	sub.task.err = err
	sub.task.mu.Unlock()
	close(sub.task.done)

	if err != nil {
		d.logger.Warn("task failed: name=%s id=%s: %v", sub.task.name, sub.task.id, err)
	} else {
		d.logger.Debug("task completed: name=%s id=%s", sub.task.name, sub.task.id)
	}
}
