// Package executor implements the bounded worker pool that runs crawl jobs:
// a fixed number of workers pull from a FIFO queue, and each submission
// gets a one-shot cancel signal the job function is expected to poll at
// every natural yield point.
package executor

import (
	"context"
	"log/slog"
	"sync"
)

// Fn is a unit of work submitted to the executor. It must poll cancel at
// every natural suspension point and return promptly once it is closed.
type Fn = func(ctx context.Context, taskID string, cancel <-chan struct{}) bool

type job struct {
	taskID string
	fn     Fn
	cancel chan struct{}
}

// Executor is the singleton work pool described in spec.md §4.5: three
// worker goroutines (configurable) draining a buffered submission queue.
// Workers select over the queue and a shutdown channel instead of polling
// with a short timeout, since Go's select makes polling unnecessary — the
// external behavior (non-blocking submit, cooperative cancel, bounded
// concurrency) is unchanged.
type Executor struct {
	queue    chan job
	shutdown chan struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]chan struct{}

	wg sync.WaitGroup
}

// New creates an Executor with the given number of workers and starts them.
// queueSize bounds the number of jobs that can be pending submission before
// Submit blocks; pass 0 for a reasonable default.
func New(workers, queueSize int, logger *slog.Logger) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	e := &Executor{
		queue:    make(chan job, queueSize),
		shutdown: make(chan struct{}),
		logger:   logger,
		running:  make(map[string]chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdown:
			return
		case j := <-e.queue:
			e.run(j)
		}
	}
}

func (e *Executor) run(j job) {
	defer func() {
		e.mu.Lock()
		delete(e.running, j.taskID)
		e.mu.Unlock()
	}()

	ctx := context.Background()
	ok := j.fn(ctx, j.taskID, j.cancel)
	if !ok {
		e.logger.Warn("job returned without completing", "task_id", j.taskID)
	}
}

// Submit enqueues fn to run under taskID. Returns false if taskID is
// already running.
func (e *Executor) Submit(taskID string, fn Fn) bool {
	e.mu.Lock()
	if _, exists := e.running[taskID]; exists {
		e.mu.Unlock()
		return false
	}
	cancel := make(chan struct{})
	e.running[taskID] = cancel
	e.mu.Unlock()

	select {
	case e.queue <- job{taskID: taskID, fn: fn, cancel: cancel}:
		return true
	case <-e.shutdown:
		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()
		return false
	}
}

// IsRunning reports whether taskID currently has a cancel signal registered
// (queued or actively executing).
func (e *Executor) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// RunningIds returns the task ids currently queued or executing.
func (e *Executor) RunningIds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// StopAll drains the queue and signals cancel on every in-flight task,
// returning the ids that were registered at the moment of the call.
func (e *Executor) StopAll() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.running))
	for id, cancel := range e.running {
		ids = append(ids, id)
		close(cancel)
		delete(e.running, id)
	}

	// Drain anything still sitting in the queue; it was already cancelled
	// above via its registered signal, so just discard the job struct.
	for {
		select {
		case <-e.queue:
		default:
			return ids
		}
	}
}

// Shutdown stops accepting new work and waits for workers to drain.
func (e *Executor) Shutdown() {
	close(e.shutdown)
	e.wg.Wait()
}
