// Package orchestrator supervises the cancellable execution lifecycle of a
// single running task. It never performs agent logic itself: it wraps a
// caller-supplied, already-started operation and a task handle that may or
// may not support aborting.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pmasur/agentd/internal/task"
)

// Execution statuses reported by GetExecutionStatus. Terminal records are
// not retained, so "running" and "not-found" are the only values: callers
// needing post-mortem state read it from the job store instead.
const (
	StatusRunning  = "running"
	StatusNotFound = "not-found"
)

// Handler is the callback bundle a caller supplies to observe execution
// lifecycle. Implementations are expected not to panic; the orchestrator
// does not guard against it.
type Handler interface {
	OnTaskStarted(taskID string)
	OnTaskCompleted(taskID, result string)
	OnTaskFailed(taskID string, err error)
	OnTaskMessage(taskID, message string)
}

// Options tune one execution.
type Options struct {
	// TaskID keys the active-execution record. At most one execution may be
	// active per id; the caller guarantees uniqueness.
	TaskID string
	// IsInfoQuery selects the fixed short timeout instead of the sliding
	// activity timeout. Info queries are short read-only operations.
	IsInfoQuery bool
}

// Config holds the timeout policy.
type Config struct {
	// InfoQueryTimeout is a fixed wall-clock bound for info queries.
	InfoQueryTimeout time.Duration
	// SlidingTimeout is the time-since-last-activity bound for standard
	// tasks; NotifyActivity resets it.
	SlidingTimeout time.Duration
	// MaxExecutionTime is the hard wall-clock cap on a standard task no
	// amount of activity can extend.
	MaxExecutionTime time.Duration
}

func DefaultConfig() Config {
	return Config{
		InfoQueryTimeout: 30 * time.Second,
		SlidingTimeout:   30 * time.Minute,
		MaxExecutionTime: 24 * time.Hour,
	}
}

type execution struct {
	handle  task.Handle
	handler Handler
	// cancelled is closed by CancelExecution so the ExecuteTask goroutine
	// stops waiting without double-reporting.
	cancelled chan struct{}
	// timers: at most one of infoTimer is set for info queries; standard
	// tasks carry both the sliding timer and the hard cap.
	infoTimer    *time.Timer
	slidingTimer *time.Timer
	hardTimer    *time.Timer
}

// Orchestrator tracks at most one active execution per task identifier.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*execution
}

func New(cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.InfoQueryTimeout <= 0 {
		cfg.InfoQueryTimeout = def.InfoQueryTimeout
	}
	if cfg.SlidingTimeout <= 0 {
		cfg.SlidingTimeout = def.SlidingTimeout
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = def.MaxExecutionTime
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*execution),
	}
}

// ExecuteTask registers the task, reports OnTaskStarted, arms the timeout
// regime selected by opts and waits for the completion channel to settle.
// On success it reports OnTaskCompleted; on failure OnTaskFailed. Teardown
// always clears the timers and removes the active-execution record.
//
// ExecuteTask blocks until the execution settles one way or another;
// callers that need fire-and-forget run it in a goroutine.
func (o *Orchestrator) ExecuteTask(handle task.Handle, completion <-chan task.Outcome, handler Handler, opts Options) error {
	id := opts.TaskID
	if id == "" {
		id = handle.ID()
	}

	o.mu.Lock()
	if _, exists := o.active[id]; exists {
		o.mu.Unlock()
		return fmt.Errorf("execution already active for task %s", id)
	}
	exec := &execution{
		handle:    handle,
		handler:   handler,
		cancelled: make(chan struct{}),
	}
	o.armTimers(id, exec, opts.IsInfoQuery)
	o.active[id] = exec
	o.mu.Unlock()

	o.logger.Info("execution started", "task_id", id, "info_query", opts.IsInfoQuery)
	handler.OnTaskStarted(id)

	select {
	case <-exec.cancelled:
		// CancelExecution already reported the failure and tore down.
		return nil
	case out, ok := <-completion:
		if !ok {
			out = task.Outcome{Err: fmt.Errorf("task %s ended without reporting an outcome", id)}
		}
		if !o.remove(id) {
			// Lost the race against CancelExecution; it already reported.
			return nil
		}
		if out.Err != nil {
			o.logger.Warn("execution failed", "task_id", id, "error", out.Err.Error())
			handler.OnTaskFailed(id, out.Err)
		} else {
			o.logger.Info("execution completed", "task_id", id)
			handler.OnTaskCompleted(id, out.Result)
		}
		return nil
	}
}

func (o *Orchestrator) armTimers(id string, exec *execution, isInfoQuery bool) {
	if isInfoQuery {
		exec.infoTimer = time.AfterFunc(o.cfg.InfoQueryTimeout, func() {
			o.cancelInternal(id, fmt.Sprintf("Info query timed out after %s", o.cfg.InfoQueryTimeout))
		})
		return
	}
	exec.slidingTimer = time.AfterFunc(o.cfg.SlidingTimeout, func() {
		o.cancelInternal(id, fmt.Sprintf("Task timed out after %s of inactivity", o.cfg.SlidingTimeout))
	})
	exec.hardTimer = time.AfterFunc(o.cfg.MaxExecutionTime, func() {
		o.cancelInternal(id, fmt.Sprintf("Task exceeded maximum execution time of %s", o.cfg.MaxExecutionTime))
	})
}

// NotifyActivity resets the sliding timeout for a standard task. Activity
// on an info query or an unknown id is ignored. The hard cap is never
// extended.
func (o *Orchestrator) NotifyActivity(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.active[id]
	if !ok || exec.slidingTimer == nil {
		return
	}
	exec.slidingTimer.Reset(o.cfg.SlidingTimeout)
}

// ReportMessage forwards a progress message to the execution's handler and
// counts as activity for the sliding timeout.
func (o *Orchestrator) ReportMessage(id, message string) {
	o.mu.Lock()
	exec, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.NotifyActivity(id)
	exec.handler.OnTaskMessage(id, message)
}

// CancelExecution cancels the active execution for the task identifier.
//
// Returns false when there is nothing to cancel, and also when the task
// handle's abort failed: the bookkeeping is cleaned up either way, but the
// caller learns the underlying work may still be winding down on its own.
func (o *Orchestrator) CancelExecution(id, reason string) bool {
	if reason == "" {
		reason = "Task cancelled"
	}

	o.mu.Lock()
	exec, ok := o.active[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.active, id)
	exec.stopTimers()
	close(exec.cancelled)
	o.mu.Unlock()

	aborted := true
	if c, isCancellable := exec.handle.(task.Cancellable); isCancellable {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.AbortTask(ctx); err != nil {
			o.logger.Error("task abort failed", "task_id", id, "error", err.Error())
			aborted = false
		}
		cancel()
	}

	o.logger.Info("execution cancelled", "task_id", id, "reason", reason, "abort_ok", aborted)
	exec.handler.OnTaskFailed(id, fmt.Errorf("%s", reason))
	return aborted
}

// cancelInternal is the timer-fired path. It reuses the explicit
// cancellation path so downstream handlers only see a different reason.
func (o *Orchestrator) cancelInternal(id, reason string) {
	if o.CancelExecution(id, reason) {
		o.logger.Warn("execution timed out", "task_id", id, "reason", reason)
	}
}

// remove tears down the record after a natural completion. Returns false if
// cancellation already removed it.
func (o *Orchestrator) remove(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.active[id]
	if !ok {
		return false
	}
	delete(o.active, id)
	exec.stopTimers()
	return true
}

// CanCancelExecution reports whether an active execution exists for the id.
func (o *Orchestrator) CanCancelExecution(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

// GetExecutionStatus returns StatusRunning while an execution is active and
// StatusNotFound otherwise, including after any terminal outcome.
func (o *Orchestrator) GetExecutionStatus(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[id]; ok {
		return StatusRunning
	}
	return StatusNotFound
}

// GetActiveExecutionCount returns the number of active executions.
func (o *Orchestrator) GetActiveExecutionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// GetActiveExecutionIds returns the identifiers of all active executions.
func (o *Orchestrator) GetActiveExecutionIds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

func (e *execution) stopTimers() {
	if e.infoTimer != nil {
		e.infoTimer.Stop()
	}
	if e.slidingTimer != nil {
		e.slidingTimer.Stop()
	}
	if e.hardTimer != nil {
		e.hardTimer.Stop()
	}
}
