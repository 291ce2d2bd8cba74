package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmasur/agentd/internal/task"
)

// recordingHandler captures lifecycle callbacks for assertions.
type recordingHandler struct {
	mu        sync.Mutex
	started   []string
	completed map[string]string
	failed    map[string]error
	messages  []string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		completed: make(map[string]string),
		failed:    make(map[string]error),
	}
}

func (h *recordingHandler) OnTaskStarted(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, id)
}

func (h *recordingHandler) OnTaskCompleted(id, result string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed[id] = result
}

func (h *recordingHandler) OnTaskFailed(id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[id] = err
}

func (h *recordingHandler) OnTaskMessage(id, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, message)
}

func (h *recordingHandler) failedErr(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed[id]
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started) + len(h.completed) + len(h.failed) + len(h.messages)
}

// stubHandle is a minimal task handle whose abort behavior tests control.
type stubHandle struct {
	id       string
	abortErr error
	aborts   int
}

func (s *stubHandle) ID() string { return s.id }

func (s *stubHandle) AbortTask(ctx context.Context) error {
	s.aborts++
	return s.abortErr
}

// plainHandle has no abort capability at all.
type plainHandle struct{ id string }

func (p plainHandle) ID() string { return p.id }

func runAsync(o *Orchestrator, handle task.Handle, completion <-chan task.Outcome, h Handler, opts Options) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- o.ExecuteTask(handle, completion, h, opts) }()
	return errCh
}

func waitRegistered(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.GetExecutionStatus(id) == StatusRunning
	}, time.Second, time.Millisecond)
}

func TestExecuteTaskReportsCompletion(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome, 1)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	completion <- task.Outcome{Result: "done"}
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"t-1"}, h.started)
	assert.Equal(t, "done", h.completed["t-1"])
	assert.Empty(t, h.failed)
	assert.Equal(t, StatusNotFound, o.GetExecutionStatus("t-1"))
	assert.Equal(t, 0, o.GetActiveExecutionCount())
}

func TestExecuteTaskReportsFailure(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome, 1)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	boom := errors.New("agent exploded")
	completion <- task.Outcome{Err: boom}
	require.NoError(t, <-errCh)

	require.ErrorIs(t, h.failedErr("t-1"), boom)
	assert.Empty(t, h.completed)
	assert.Equal(t, StatusNotFound, o.GetExecutionStatus("t-1"))
}

func TestExecuteTaskRejectsDuplicateID(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome, 1)

	errCh := runAsync(o, plainHandle{"dup"}, completion, h, Options{TaskID: "dup"})
	waitRegistered(t, o, "dup")

	err := o.ExecuteTask(plainHandle{"dup"}, make(chan task.Outcome), newRecordingHandler(), Options{TaskID: "dup"})
	require.Error(t, err)

	completion <- task.Outcome{Result: "ok"}
	require.NoError(t, <-errCh)
}

func TestCancelUnknownExecution(t *testing.T) {
	o := New(Config{}, nil)
	assert.False(t, o.CancelExecution("nope", "because"))
	assert.False(t, o.CanCancelExecution("nope"))
	assert.Equal(t, StatusNotFound, o.GetExecutionStatus("nope"))
}

func TestCancelExecutionAbortsAndReportsFailure(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	handle := &stubHandle{id: "t-1"}
	completion := make(chan task.Outcome)

	errCh := runAsync(o, handle, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	require.True(t, o.CancelExecution("t-1", "user requested"))
	require.NoError(t, <-errCh)

	assert.Equal(t, 1, handle.aborts)
	require.Error(t, h.failedErr("t-1"))
	assert.Contains(t, h.failedErr("t-1").Error(), "user requested")
	assert.Equal(t, StatusNotFound, o.GetExecutionStatus("t-1"))

	// Nothing left to cancel.
	assert.False(t, o.CancelExecution("t-1", "again"))
}

func TestCancelExecutionAbortFailureStillCleansUp(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	handle := &stubHandle{id: "t-1", abortErr: errors.New("process would not die")}
	completion := make(chan task.Outcome)

	errCh := runAsync(o, handle, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	// Abort failed, so the caller gets false, but the record is gone and the
	// handler still hears about the cancellation.
	assert.False(t, o.CancelExecution("t-1", "shutting down"))
	require.NoError(t, <-errCh)
	assert.Equal(t, StatusNotFound, o.GetExecutionStatus("t-1"))
	require.Error(t, h.failedErr("t-1"))
}

func TestCancelExecutionWithoutAbortCapability(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	assert.True(t, o.CancelExecution("t-1", ""))
	require.NoError(t, <-errCh)
	assert.Contains(t, h.failedErr("t-1").Error(), "Task cancelled")
}

func TestInfoQueryTimeout(t *testing.T) {
	o := New(Config{InfoQueryTimeout: 20 * time.Millisecond}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome)

	errCh := runAsync(o, plainHandle{"q-1"}, completion, h, Options{TaskID: "q-1", IsInfoQuery: true})
	waitRegistered(t, o, "q-1")

	require.NoError(t, <-errCh)
	require.Error(t, h.failedErr("q-1"))
	assert.Contains(t, h.failedErr("q-1").Error(), "Info query timed out")
	assert.Equal(t, StatusNotFound, o.GetExecutionStatus("q-1"))
}

func TestSlidingTimeoutFiresWithoutActivity(t *testing.T) {
	o := New(Config{SlidingTimeout: 30 * time.Millisecond}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	require.NoError(t, <-errCh)
	require.Error(t, h.failedErr("t-1"))
	assert.Contains(t, h.failedErr("t-1").Error(), "inactivity")
}

func TestNotifyActivityExtendsSlidingTimeout(t *testing.T) {
	o := New(Config{SlidingTimeout: 60 * time.Millisecond}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome, 1)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	// Keep poking well past the original deadline.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		o.NotifyActivity("t-1")
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, StatusRunning, o.GetExecutionStatus("t-1"))

	completion <- task.Outcome{Result: "ok"}
	require.NoError(t, <-errCh)
	assert.Equal(t, "ok", h.completed["t-1"])
	assert.Empty(t, h.failed)
}

func TestHardCapIsNotExtendedByActivity(t *testing.T) {
	o := New(Config{SlidingTimeout: time.Minute, MaxExecutionTime: 40 * time.Millisecond}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	go func() {
		for o.GetExecutionStatus("t-1") == StatusRunning {
			o.NotifyActivity("t-1")
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, <-errCh)
	require.Error(t, h.failedErr("t-1"))
	assert.Contains(t, h.failedErr("t-1").Error(), "maximum execution time")
}

func TestReportMessageForwardsToHandler(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome, 1)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	o.ReportMessage("t-1", "compiling")
	o.ReportMessage("t-1", "testing")
	o.ReportMessage("other", "dropped")

	completion <- task.Outcome{Result: "ok"}
	require.NoError(t, <-errCh)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"compiling", "testing"}, h.messages)
}

func TestCompletionAfterCancelDoesNotDoubleReport(t *testing.T) {
	o := New(Config{}, nil)
	h := newRecordingHandler()
	completion := make(chan task.Outcome, 1)

	errCh := runAsync(o, plainHandle{"t-1"}, completion, h, Options{TaskID: "t-1"})
	waitRegistered(t, o, "t-1")

	require.True(t, o.CancelExecution("t-1", "late delivery race"))
	completion <- task.Outcome{Result: "too late"}
	require.NoError(t, <-errCh)

	// started + exactly one failed callback, never a completed one.
	require.Eventually(t, func() bool { return h.callCount() == 2 }, time.Second, time.Millisecond)
	assert.Empty(t, h.completed)
}

func TestActiveExecutionIds(t *testing.T) {
	o := New(Config{}, nil)
	c1 := make(chan task.Outcome, 1)
	c2 := make(chan task.Outcome, 1)
	e1 := runAsync(o, plainHandle{"a"}, c1, newRecordingHandler(), Options{TaskID: "a"})
	e2 := runAsync(o, plainHandle{"b"}, c2, newRecordingHandler(), Options{TaskID: "b"})
	waitRegistered(t, o, "a")
	waitRegistered(t, o, "b")

	assert.Equal(t, 2, o.GetActiveExecutionCount())
	assert.ElementsMatch(t, []string{"a", "b"}, o.GetActiveExecutionIds())

	c1 <- task.Outcome{Result: "ok"}
	c2 <- task.Outcome{Result: "ok"}
	require.NoError(t, <-e1)
	require.NoError(t, <-e2)
	assert.Equal(t, 0, o.GetActiveExecutionCount())
}
