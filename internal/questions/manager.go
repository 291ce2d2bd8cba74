package questions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTooManyPending is returned by CreateQuestion when the pending
// concurrency cap is reached.
var ErrTooManyPending = errors.New("too many pending questions")

// settleResult is what a pending question resolves to.
type settleResult struct {
	answer string
	err    error
}

// Pending is the caller's side of an open exchange: the question id plus a
// waiter that settles exactly once via answer, cancellation or expiry.
type Pending struct {
	ID string
	ch chan settleResult
}

// Wait suspends the caller until the question settles or ctx is done. The
// settlement survives an abandoned Wait: calling Wait again after a context
// timeout still observes the result.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-p.ch:
		if !ok {
			return "", errors.New("question already settled")
		}
		// Re-buffer so later Wait calls see the same settlement.
		p.ch <- res
		return res.answer, res.err
	}
}

type entry struct {
	q       *Question
	ch      chan settleResult
	settled bool
	timer   *time.Timer
}

// Config tunes the manager.
type Config struct {
	// MaxPending caps concurrently pending questions.
	MaxPending int
	// CleanupMaxAge is the default age cutoff for deleting terminal
	// questions.
	CleanupMaxAge time.Duration
}

// Listener receives a copy of a question after every state transition. It
// is called outside the manager's lock and must not block for long.
type Listener func(q *Question)

func DefaultConfig() Config {
	return Config{
		MaxPending:    100,
		CleanupMaxAge: 30 * 24 * time.Hour,
	}
}

// Manager owns the in-memory question map and serializes persistence.
type Manager struct {
	cfg      Config
	store    Store
	logger   *slog.Logger
	onChange Listener

	mu      sync.Mutex
	entries map[string]*entry
	counter int64

	// Persistence: mutations snapshot the collection under mu and hand it
	// to a single writer goroutine, so writes land in call order and
	// concurrent mutations never interleave partial documents.
	persistMu   sync.Mutex
	persistNext []*Question
	persistKick chan struct{}
	persistDone chan struct{}
	closed      bool
}

// NewManager loads persisted state and starts the persistence writer. Any
// record still pending from a previous process cannot have its waiter
// restored, so it is immediately expired with an "orphaned by restart"
// reason rather than left silently unreachable.
func NewManager(cfg Config, store Store, logger *slog.Logger, onChange Listener) (*Manager, error) {
	def := DefaultConfig()
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.CleanupMaxAge <= 0 {
		cfg.CleanupMaxAge = def.CleanupMaxAge
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		cfg:         cfg,
		store:       store,
		logger:      logger,
		onChange:    onChange,
		entries:     make(map[string]*entry),
		persistKick: make(chan struct{}, 1),
		persistDone: make(chan struct{}),
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	orphaned := 0
	for _, q := range loaded {
		q := q.clone()
		if q.State == StatePending {
			// The waiter cannot be restored; expire rather than leave an
			// unreachable pending record.
			q.State = StateExpired
			q.Reason = "orphaned by restart"
			QuestionsExpiredTotal.Inc()
			orphaned++
		}
		m.entries[q.ID] = &entry{q: q, settled: true}
	}

	go m.persistLoop()

	if orphaned > 0 {
		m.logger.Warn("expired questions orphaned by restart", "count", orphaned)
		m.mu.Lock()
		m.persistLocked()
		m.mu.Unlock()
	}
	return m, nil
}

// CreateQuestion opens a new pending exchange for the job. Fails
// synchronously with ErrTooManyPending when the cap is reached, before any
// state is created or persisted. timeout <= 0 means no expiry.
func (m *Manager) CreateQuestion(jobID, question string, suggestions []Suggestion, timeout time.Duration) (*Pending, error) {
	m.mu.Lock()

	pending := 0
	for _, e := range m.entries {
		if e.q.State == StatePending {
			pending++
		}
	}
	if pending >= m.cfg.MaxPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d pending, cap %d", ErrTooManyPending, pending, m.cfg.MaxPending)
	}

	m.counter++
	q := &Question{
		ID:          fmt.Sprintf("%s-q%d-%d", jobID, m.counter, time.Now().UnixMilli()),
		JobID:       jobID,
		Question:    question,
		Suggestions: append([]Suggestion(nil), suggestions...),
		State:       StatePending,
		CreatedAt:   time.Now().UTC(),
		Timeout:     timeout,
	}
	e := &entry{q: q, ch: make(chan settleResult, 1)}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { m.expire(q.ID, timeout) })
	}
	m.entries[q.ID] = e
	QuestionsCreatedTotal.Inc()
	QuestionsPending.Inc()
	m.persistLocked()
	snapshot := q.clone()
	m.mu.Unlock()

	m.logger.Info("question created", "question_id", q.ID, "job_id", jobID, "timeout", timeout.String())
	m.notify(snapshot)
	return &Pending{ID: q.ID, ch: e.ch}, nil
}

// SubmitAnswer resolves a pending question. Returns false if the question
// is absent or no longer pending.
func (m *Manager) SubmitAnswer(id, answer string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.q.State != StatePending {
		m.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	e.q.State = StateAnswered
	e.q.Answer = answer
	e.q.AnsweredAt = &now
	QuestionsAnsweredTotal.Inc()
	QuestionsPending.Dec()
	m.settleLocked(e, settleResult{answer: answer})
	m.persistLocked()
	snapshot := e.q.clone()
	m.mu.Unlock()

	m.logger.Info("question answered", "question_id", id, "job_id", snapshot.JobID)
	m.notify(snapshot)
	return true
}

// CancelQuestion rejects a pending question with the given reason. Returns
// false if the question is absent or no longer pending.
func (m *Manager) CancelQuestion(id, reason string) bool {
	m.mu.Lock()
	snapshot := m.cancelLocked(id, reason)
	m.mu.Unlock()
	if snapshot == nil {
		return false
	}
	m.notify(snapshot)
	return true
}

// cancelLocked performs the transition and returns a snapshot for
// notification, or nil if the question was absent or not pending.
func (m *Manager) cancelLocked(id, reason string) *Question {
	e, ok := m.entries[id]
	if !ok || e.q.State != StatePending {
		return nil
	}
	if reason == "" {
		reason = "cancelled"
	}
	e.q.State = StateCancelled
	e.q.Reason = reason
	QuestionsCancelledTotal.Inc()
	QuestionsPending.Dec()
	m.settleLocked(e, settleResult{err: fmt.Errorf("question cancelled: %s", reason)})
	m.persistLocked()

	m.logger.Info("question cancelled", "question_id", id, "job_id", e.q.JobID, "reason", reason)
	return e.q.clone()
}

// expire is the timer path. It fires only if the question is still pending;
// a settle that raced ahead wins.
func (m *Manager) expire(id string, timeout time.Duration) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.q.State != StatePending {
		m.mu.Unlock()
		return
	}
	e.q.State = StateExpired
	e.q.Reason = fmt.Sprintf("expired after %s", timeout)
	QuestionsExpiredTotal.Inc()
	QuestionsPending.Dec()
	m.settleLocked(e, settleResult{err: fmt.Errorf("question expired after %s", timeout)})
	m.persistLocked()
	snapshot := e.q.clone()
	m.mu.Unlock()

	m.logger.Warn("question expired", "question_id", id, "job_id", snapshot.JobID, "timeout", timeout.String())
	m.notify(snapshot)
}

// settleLocked delivers the result exactly once. A second settle attempt on
// the same entry is swallowed, never surfaced: races between answer, cancel
// and expiry are resolved by whoever gets here first.
func (m *Manager) settleLocked(e *entry, res settleResult) {
	if e.settled {
		return
	}
	e.settled = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.ch != nil {
		select {
		case e.ch <- res:
		default:
			// Buffer already occupied; nothing to do.
		}
	}
}

// CancelJobQuestions cancels every pending question owned by the job and
// returns how many were actually cancelled. Terminal questions are
// untouched and not counted.
func (m *Manager) CancelJobQuestions(jobID, reason string) int {
	m.mu.Lock()
	var cancelled []*Question
	for id, e := range m.entries {
		if e.q.JobID != jobID || e.q.State != StatePending {
			continue
		}
		if snapshot := m.cancelLocked(id, reason); snapshot != nil {
			cancelled = append(cancelled, snapshot)
		}
	}
	m.mu.Unlock()

	for _, snapshot := range cancelled {
		m.notify(snapshot)
	}
	return len(cancelled)
}

// GetQuestion returns a copy of the question, or nil.
func (m *Manager) GetQuestion(id string) *Question {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	return e.q.clone()
}

// ListQuestions returns copies of all questions, optionally filtered by job
// id (empty string means all), newest first is not guaranteed; callers sort
// if they care.
func (m *Manager) ListQuestions(jobID string) []*Question {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Question
	for _, e := range m.entries {
		if jobID != "" && e.q.JobID != jobID {
			continue
		}
		out = append(out, e.q.clone())
	}
	return out
}

// CleanupQuestions deletes terminal questions created before the age
// cutoff (CleanupMaxAge when olderThan <= 0) and returns the count removed.
// Pending questions are never deleted here regardless of age.
func (m *Manager) CleanupQuestions(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = m.cfg.CleanupMaxAge
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		if e.q.State.IsTerminal() && e.q.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	if removed > 0 {
		m.persistLocked()
		m.logger.Info("cleaned up old questions", "removed", removed)
	}
	return removed
}

// GetStats counts questions per state plus a per-job total.
func (m *Manager) GetStats() QuestionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := QuestionStats{ByJob: make(map[string]int)}
	for _, e := range m.entries {
		stats.Total++
		stats.ByJob[e.q.JobID]++
		switch e.q.State {
		case StatePending:
			stats.Pending++
		case StateAnswered:
			stats.Answered++
		case StateExpired:
			stats.Expired++
		case StateCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Shutdown cancels every pending question silently, flushes the last
// persistence write (swallowing its error) and clears in-memory state.
// Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	// Silent cancellation: no listener notifications during shutdown.
	for id, e := range m.entries {
		if e.q.State == StatePending {
			_ = m.cancelLocked(id, "shutting down")
		}
	}
	m.persistLocked()
	m.closed = true
	m.mu.Unlock()

	close(m.persistKick)
	<-m.persistDone

	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
}

func (m *Manager) notify(q *Question) {
	if m.onChange == nil || q == nil {
		return
	}
	m.onChange(q)
}

// persistLocked snapshots the collection and hands it to the writer. Called
// with mu held; mutation order therefore fixes write order, and the writer
// coalesces bursts into the latest full document.
func (m *Manager) persistLocked() {
	snapshot := make([]*Question, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e.q.clone())
	}

	m.persistMu.Lock()
	m.persistNext = snapshot
	m.persistMu.Unlock()

	if m.closed {
		// Writer is draining; it picks up persistNext on its way out.
		return
	}
	select {
	case m.persistKick <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer close(m.persistDone)
	for range m.persistKick {
		m.flush()
	}
	// Final drain after Shutdown closes the kick channel.
	m.flush()
}

func (m *Manager) flush() {
	m.persistMu.Lock()
	snapshot := m.persistNext
	m.persistNext = nil
	m.persistMu.Unlock()
	if snapshot == nil {
		return
	}
	if err := m.store.Save(snapshot); err != nil {
		// In-memory state stays authoritative for live waiters.
		m.logger.Error("failed to persist questions", "error", err.Error())
	}
}
