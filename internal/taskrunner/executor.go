// Package taskrunner drains the durable task queue and dispatches each task
// to a registered handler by name.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradepilot/internal/task"
)

// Result is what a handler reports back for one attempt.
type Result struct {
	Success       bool           `json:"success"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Handler executes one kind of task. Implementations must be safe for
// concurrent use; the executor may run several tasks at once.
type Handler interface {
	Execute(ctx context.Context, t task.Task) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t task.Task) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, t task.Task) (Result, error) {
	return f(ctx, t)
}

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 10
	defaultTaskTimeout  = 5 * time.Minute
)

// Executor pulls ready tasks from the store and runs them through the
// handler registered for each task's name. A task whose name has no handler
// fails immediately and is not retried.
type Executor struct {
	store  *task.Store
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	PollInterval time.Duration
	BatchSize    int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewExecutor(store *task.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:        store,
		logger:       logger,
		handlers:     make(map[string]Handler),
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
	}
}

// Register binds a handler to a task name, replacing any previous binding.
func (e *Executor) Register(name string, h Handler) error {
	if e == nil {
		return errors.New("executor is nil")
	}
	if name == "" {
		return errors.New("handler name is required")
	}
	if h == nil {
		return errors.New("handler is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
	return nil
}

func (e *Executor) handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// ProcessPending sweeps expired tasks, then drains up to limit ready tasks
// sequentially. It returns the number of tasks attempted.
func (e *Executor) ProcessPending(ctx context.Context, limit int) (int, error) {
	if e == nil || e.store == nil {
		return 0, errors.New("executor is not configured")
	}
	if limit <= 0 {
		limit = e.BatchSize
	}
	if _, err := e.store.CleanupExpired(); err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	ready, err := e.store.Ready(limit)
	if err != nil {
		return 0, fmt.Errorf("list ready: %w", err)
	}
	attempted := 0
	for _, t := range ready {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		e.runOne(ctx, t)
		attempted++
	}
	return attempted, nil
}

// runOne moves the task to running, invokes its handler, and records the
// outcome. A failed attempt with retry budget left goes back to pending;
// otherwise the failure is final.
func (e *Executor) runOne(ctx context.Context, t task.Task) {
	h, ok := e.handler(t.Name)
	if !ok {
		// No retry budget spent: nothing would change on a second attempt.
		_, err := e.store.UpdateStatus(t.ID, task.StatusFailed, nil, fmt.Sprintf("no handler registered for %q", t.Name))
		if err != nil {
			e.logger.Error("mark unhandled task failed", "id", t.ID, "err", err)
		}
		return
	}

	if _, err := e.store.UpdateStatus(t.ID, task.StatusRunning, nil, ""); err != nil {
		e.logger.Error("mark task running", "id", t.ID, "err", err)
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := e.invoke(runCtx, h, t)
	cancel()

	switch {
	case err == nil && res.Success:
		output := res.Output
		if output == nil {
			output = map[string]any{}
		}
		output["execution_time"] = res.ExecutionTime.String()
		if _, uerr := e.store.UpdateStatus(t.ID, task.StatusCompleted, output, ""); uerr != nil {
			e.logger.Error("mark task completed", "id", t.ID, "err", uerr)
		}
	default:
		msg := res.Error
		if err != nil {
			msg = err.Error()
		}
		if msg == "" {
			msg = "handler reported failure"
		}
		e.failOrRetry(t.ID, msg, res.Output)
	}
}

// invoke shields the executor from a panicking handler; the panic becomes an
// ordinary failed attempt.
func (e *Executor) invoke(ctx context.Context, h Handler, t task.Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			e.logger.Error("handler panicked", "task", t.ID, "name", t.Name, "panic", r)
		}
	}()
	start := time.Now()
	res, err = h.Execute(ctx, t)
	if res.ExecutionTime == 0 {
		res.ExecutionTime = time.Since(start)
	}
	return res, err
}

// failOrRetry charges the failed attempt against the retry budget; the
// store decides whether the task re-enters the ready pool or goes terminal.
func (e *Executor) failOrRetry(id, errMsg string, output map[string]any) {
	t, err := e.store.FailAttempt(id, errMsg, output)
	if err != nil {
		e.logger.Error("record failed attempt", "id", id, "err", err)
		return
	}
	if t.Status == task.StatusFailed {
		e.logger.Warn("task failed permanently", "id", id, "retries", t.RetryCount, "err", errMsg)
		return
	}
	e.logger.Info("task requeued after failure", "id", id, "retry", t.RetryCount, "err", errMsg)
}

// Start launches the background poll loop. It is a no-op when already
// running.
func (e *Executor) Start(ctx context.Context) {
	if e == nil {
		return
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.stopped = make(chan struct{})
	go e.loop(loopCtx, e.stopped)
}

// Stop halts the poll loop and waits for the in-flight batch to finish.
func (e *Executor) Stop() {
	if e == nil {
		return
	}
	e.runMu.Lock()
	cancel, stopped := e.cancel, e.stopped
	e.cancel, e.stopped = nil, nil
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (e *Executor) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	interval := e.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := e.ProcessPending(ctx, e.BatchSize); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("process pending tasks", "err", err)
		} else if n > 0 {
			e.logger.Debug("batch drained", "attempted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
