package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pmasur/agentd/internal/task"
)

var (
	// ErrJobNotFound is returned when an operation references an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidState is returned when an operation is illegal for the job's
	// current status.
	ErrInvalidState = errors.New("invalid job state")
)

// Cancellation reasons used by the manager itself. Downstream consumers can
// only distinguish timeout from user cancellation by this text.
const (
	ReasonCancelledByUser = "Job cancelled by user"
	ReasonTimedOut        = "Job timed out"
	ReasonStuck           = "Job stuck - exceeded maximum runtime"
	ReasonShutdown        = "Server shutdown"
)

// ExecutionCanceller is the orchestrator surface the manager needs: cancel
// the supervised execution for a task identifier. The return value reports
// whether the underlying abort cleanly succeeded.
type ExecutionCanceller interface {
	CancelExecution(taskID, reason string) bool
}

// Listener receives a copy of the job after every lifecycle transition the
// manager performs. It must not block; the composition root typically
// forwards to an event bus.
type Listener func(job *Job)

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	// DefaultJobTimeout bounds a running job's wall-clock time; firing the
	// timer cancels the job with ReasonTimedOut. There is no per-job
	// override: the timeout is a process-wide policy.
	DefaultJobTimeout time.Duration
	// CleanupMaxAge is the default age cutoff for deleting terminal jobs.
	CleanupMaxAge time.Duration
	// ShutdownGrace is how long Shutdown waits for in-flight cancellation
	// side effects after the last CancelJob call.
	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultJobTimeout: 5 * time.Minute,
		CleanupMaxAge:     24 * time.Hour,
		ShutdownGrace:     time.Second,
	}
}

type activeJob struct {
	handle task.Handle
	orch   ExecutionCanceller
	cancel context.CancelFunc
	ctx    context.Context
	timer  *time.Timer
}

// Manager is the orchestration façade over the job store: the only
// component allowed to start, cancel and shut down jobs.
type Manager struct {
	cfg      Config
	store    Store
	logger   *slog.Logger
	onChange Listener

	mu     sync.Mutex
	active map[string]*activeJob

	stopped    atomic.Bool
	reaperStop chan struct{}
	reaperDone chan struct{}
}

func NewManager(cfg Config, store Store, logger *slog.Logger, onChange Listener) *Manager {
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = DefaultConfig().DefaultJobTimeout
	}
	if cfg.CleanupMaxAge <= 0 {
		cfg.CleanupMaxAge = DefaultConfig().CleanupMaxAge
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		onChange: onChange,
		active:   make(map[string]*activeJob),
	}
}

// CreateJob stores a new queued job and returns a copy of it.
func (m *Manager) CreateJob(req CreateJobRequest) *Job {
	mode := req.Mode
	if mode == "" {
		mode = "code"
	}
	meta := map[string]string{MetaMode: mode}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.ClientInfo != "" {
		meta[MetaClientInfo] = req.ClientInfo
	}
	if req.CallbackURL != "" {
		meta[MetaCallbackURL] = req.CallbackURL
	}

	job := &Job{
		ID:        newJobID(),
		Task:      req.Task,
		Status:    JobStatusQueued,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	m.store.Create(job)
	JobsCreatedTotal.Inc()
	m.logger.Info("job created", "job_id", job.ID, "mode", mode)
	m.notify(job)
	return job.clone()
}

// StartJob transitions a queued job to running, registers the running task
// handle (and optional orchestrator handle) in the active-job map, arms the
// job timeout and begins tracking execution in the background. Failures of
// the tracked execution surface through the store as a failed status, not
// through this call.
//
// orch may be nil when the caller supervises the task itself.
func (m *Manager) StartJob(id string, handle task.Handle, orch ExecutionCanceller) error {
	if m.stopped.Load() {
		return fmt.Errorf("%w: manager is shut down", ErrInvalidState)
	}

	m.mu.Lock()
	job := m.store.Get(id)
	if job == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != JobStatusQueued {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidState, id, job.Status, JobStatusQueued)
	}
	if _, exists := m.active[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s already has an active execution", ErrInvalidState, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &activeJob{
		handle: handle,
		orch:   orch,
		cancel: cancel,
		ctx:    ctx,
	}
	entry.timer = time.AfterFunc(m.cfg.DefaultJobTimeout, func() {
		if m.CancelJob(id, ReasonTimedOut) {
			JobsTimedOutTotal.Inc()
			m.logger.Warn("job timed out", "job_id", id, "timeout", m.cfg.DefaultJobTimeout.String())
		}
	})
	m.active[id] = entry
	JobsActive.Inc()

	running := JobStatusRunning
	updated := m.store.Update(id, JobUpdate{Status: &running})
	m.mu.Unlock()

	m.logger.Info("job started", "job_id", id, "task_id", handle.ID())
	m.notify(updated)

	go m.trackExecution(id, handle, entry)
	return nil
}

// trackExecution waits for the running task to settle and records the
// outcome, unless cancellation got there first.
func (m *Manager) trackExecution(id string, handle task.Handle, entry *activeJob) {
	waiter, ok := handle.(task.Waiter)
	if !ok {
		// No completion channel: the job can only end via cancel or timeout.
		m.logger.Warn("task handle does not report completion", "job_id", id, "task_id", handle.ID())
		return
	}

	select {
	case <-entry.ctx.Done():
		// Cancellation path already did the bookkeeping.
		return
	case out, okCh := <-waiter.Outcome():
		if !okCh {
			out = task.Outcome{Err: errors.New("task ended without reporting an outcome")}
		}
		m.finishJob(id, out)
	}
}

// finishJob records a task outcome. If cancellation already removed the
// active entry or the job is already terminal, the outcome is dropped.
func (m *Manager) finishJob(id string, out task.Outcome) {
	m.mu.Lock()
	entry, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)
	entry.timer.Stop()
	entry.cancel()
	JobsActive.Dec()

	job := m.store.Get(id)
	if job == nil || job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}

	var updated *Job
	if out.Err != nil {
		failed := JobStatusFailed
		msg := out.Err.Error()
		updated = m.store.Update(id, JobUpdate{Status: &failed, Error: &msg})
		JobsFailedTotal.Inc()
	} else {
		completed := JobStatusCompleted
		updated = m.store.Update(id, JobUpdate{Status: &completed, Result: &out.Result})
		JobsCompletedTotal.Inc()
	}
	m.mu.Unlock()

	if out.Err != nil {
		m.logger.Error("job failed", "job_id", id, "error", out.Err.Error())
	} else {
		m.logger.Info("job completed", "job_id", id)
	}
	m.notify(updated)
}

// CancelJob cancels a queued or running job. Returns false if the job is
// absent or already terminal. Orchestrator cancellation failures are logged
// and never propagate; the job still ends up cancelled.
func (m *Manager) CancelJob(id, reason string) bool {
	if reason == "" {
		reason = ReasonCancelledByUser
	}

	m.mu.Lock()
	job := m.store.Get(id)
	if job == nil || (job.Status != JobStatusQueued && job.Status != JobStatusRunning) {
		m.mu.Unlock()
		return false
	}

	entry, hadEntry := m.active[id]
	if hadEntry {
		delete(m.active, id)
		entry.cancel()
		entry.timer.Stop()
		JobsActive.Dec()
	}

	cancelled := JobStatusCancelled
	updated := m.store.Update(id, JobUpdate{Status: &cancelled, Error: &reason})
	JobsCancelledTotal.Inc()
	m.mu.Unlock()

	// The orchestrator abort can block for seconds waiting on the task
	// handle, so it runs outside the lock. Bookkeeping above already settled
	// the race: the entry is gone and the status is terminal.
	if hadEntry && entry.orch != nil {
		if !entry.orch.CancelExecution(id, reason) {
			m.logger.Warn("orchestrator cancellation did not succeed cleanly", "job_id", id, "reason", reason)
		}
	}

	m.logger.Info("job cancelled", "job_id", id, "reason", reason)
	m.notify(updated)
	return true
}

// GetJob returns a copy of the job, or nil.
func (m *Manager) GetJob(id string) *Job { return m.store.Get(id) }

// ListJobs passes through to the store.
func (m *Manager) ListJobs(filter *ListFilter) []*Job { return m.store.List(filter) }

// GetStats passes through to the store.
func (m *Manager) GetStats() Stats { return m.store.GetStats() }

// GetRunningJobs lists jobs whose stored status is running.
func (m *Manager) GetRunningJobs() []*Job {
	return m.store.List(&ListFilter{Statuses: []JobStatus{JobStatusRunning}})
}

// GetQueuedJobs lists jobs whose stored status is queued.
func (m *Manager) GetQueuedJobs() []*Job {
	return m.store.List(&ListFilter{Statuses: []JobStatus{JobStatusQueued}})
}

// IsJobActive reports whether the job currently holds execution resources.
// The active-job map is authoritative here, not the stored status: during
// the window between a terminal outcome and the store update landing, the
// two can briefly diverge, and "active" answers the resource question.
func (m *Manager) IsJobActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// GetActiveJobCount returns the size of the active-job map.
func (m *Manager) GetActiveJobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Cleanup first cancels running jobs that look stuck (started more than
// twice the job timeout ago; a safety net for timers that failed to fire),
// then deletes terminal jobs older than olderThan (CleanupMaxAge if zero).
// Returns the number of jobs deleted. Individual cancellation failures
// never abort the pass.
func (m *Manager) Cleanup(olderThan time.Duration) int {
	stuckCutoff := 2 * m.cfg.DefaultJobTimeout
	for _, j := range m.GetRunningJobs() {
		if j.StartedAt == nil || time.Since(*j.StartedAt) <= stuckCutoff {
			continue
		}
		if m.CancelJob(j.ID, ReasonStuck) {
			m.logger.Warn("cancelled stuck job", "job_id", j.ID, "started_at", j.StartedAt)
		}
	}

	if olderThan <= 0 {
		olderThan = m.cfg.CleanupMaxAge
	}
	removed := m.store.Cleanup(time.Now().UTC().Add(-olderThan))
	if removed > 0 {
		m.logger.Info("cleaned up old jobs", "removed", removed)
	}
	return removed
}

// StartReaper runs Cleanup on the given interval until Shutdown.
func (m *Manager) StartReaper(interval time.Duration) {
	m.mu.Lock()
	if m.reaperStop != nil || m.stopped.Load() {
		m.mu.Unlock()
		return
	}
	m.reaperStop = make(chan struct{})
	m.reaperDone = make(chan struct{})
	stop, done := m.reaperStop, m.reaperDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Cleanup(0)
			}
		}
	}()
}

// Shutdown cancels every active job with ReasonShutdown, stops the reaper
// and waits a short grace period for cancellation side effects. Idempotent;
// never returns an error to the caller even if individual cancellations
// fail.
func (m *Manager) Shutdown() {
	if m.stopped.Swap(true) {
		return
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	stop, done := m.reaperStop, m.reaperDone
	m.reaperStop = nil
	m.reaperDone = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	for _, id := range ids {
		if !m.CancelJob(id, ReasonShutdown) {
			m.logger.Warn("failed to cancel job during shutdown", "job_id", id)
		}
	}

	time.Sleep(m.cfg.ShutdownGrace)
	m.logger.Info("job manager shut down", "cancelled", len(ids))
}

func (m *Manager) notify(job *Job) {
	if m.onChange == nil || job == nil {
		return
	}
	m.onChange(job)
}

// newJobID builds a timestamp-prefixed id with a random suffix, sortable by
// creation time at millisecond granularity.
func newJobID() string {
	return fmt.Sprintf("job-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
