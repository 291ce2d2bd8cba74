// Package task defines the narrow interfaces between the job core and
// whatever is actually doing agent work. The core never imports an LLM
// client or tool layer; it sees a Handle, an optional Cancellable
// capability, and a completion channel.
package task

import (
	"context"
	"sync"
)

// Outcome is the terminal result of a task execution. Exactly one of
// Result/Err is meaningful: Err == nil means success.
type Outcome struct {
	Result string
	Err    error
}

// Handle identifies a live, already-started unit of agent work.
type Handle interface {
	ID() string
}

// Waiter exposes completion of a running task. The channel receives exactly
// one Outcome and is then closed.
type Waiter interface {
	Outcome() <-chan Outcome
}

// Cancellable is an optional capability: task handles that can stop
// in-flight work implement it. Supervisors check for it with a type
// assertion and must tolerate its absence.
type Cancellable interface {
	AbortTask(ctx context.Context) error
}

// Running adapts a plain function into a Handle + Waiter + Cancellable.
// The function runs in its own goroutine; AbortTask cancels the context it
// was given. Multiple supervisors may await the same task: Outcome returns
// a fresh channel per call, each receiving the single terminal outcome.
type Running struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	out    Outcome
}

// Start runs fn in a goroutine bound to a cancellable child of ctx and
// returns a handle supervising it.
func Start(ctx context.Context, id string, fn func(ctx context.Context) (string, error)) *Running {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Running{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		result, err := fn(runCtx)
		r.settle(Outcome{Result: result, Err: err})
	}()
	return r
}

// ID returns the task identifier.
func (r *Running) ID() string { return r.id }

// Outcome returns a channel that receives the terminal outcome exactly once
// and is then closed.
func (r *Running) Outcome() <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		<-r.done
		ch <- r.out
		close(ch)
	}()
	return ch
}

// AbortTask cancels the task's context. The underlying function decides how
// quickly it honors the cancellation; outcome channels still fire once the
// function returns.
func (r *Running) AbortTask(ctx context.Context) error {
	r.cancel()
	return nil
}

func (r *Running) settle(out Outcome) {
	r.once.Do(func() {
		r.out = out
		close(r.done)
		r.cancel()
	})
}
