package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOutcomeDeliveredToEveryWaiter(t *testing.T) {
	r := Start(context.Background(), "t-1", func(ctx context.Context) (string, error) {
		return "result", nil
	})

	first := r.Outcome()
	second := r.Outcome()

	for i, ch := range []<-chan Outcome{first, second} {
		select {
		case out := <-ch:
			if out.Err != nil || out.Result != "result" {
				t.Fatalf("waiter %d got %+v", i, out)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never settled", i)
		}
	}

	// A waiter created after settlement still sees the outcome.
	select {
	case out := <-r.Outcome():
		if out.Result != "result" {
			t.Fatalf("late waiter got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("late waiter never settled")
	}
}

func TestOutcomeCarriesError(t *testing.T) {
	boom := errors.New("task failed")
	r := Start(context.Background(), "t-1", func(ctx context.Context) (string, error) {
		return "", boom
	})

	out := <-r.Outcome()
	if !errors.Is(out.Err, boom) {
		t.Fatalf("Err = %v, want %v", out.Err, boom)
	}
}

func TestAbortTaskCancelsContext(t *testing.T) {
	started := make(chan struct{})
	r := Start(context.Background(), "t-1", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	<-started

	if err := r.AbortTask(context.Background()); err != nil {
		t.Fatalf("AbortTask() error = %v", err)
	}

	select {
	case out := <-r.Outcome():
		if !errors.Is(out.Err, context.Canceled) {
			t.Fatalf("Err = %v, want context.Canceled", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not stop after abort")
	}
}

func TestParentContextCancellationStopsTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Start(ctx, "t-1", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cancel()

	select {
	case out := <-r.Outcome():
		if out.Err == nil {
			t.Fatal("task reported success after parent cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("task did not stop with its parent context")
	}
}

func TestID(t *testing.T) {
	r := Start(context.Background(), "job-abc", func(ctx context.Context) (string, error) { return "", nil })
	if r.ID() != "job-abc" {
		t.Fatalf("ID() = %s", r.ID())
	}
	<-r.Outcome()
}
