package agent

import (
	"context"
	"fmt"
	"time"
)

// EchoRunner is a development stand-in for a real agent: it waits briefly
// (honoring cancellation) and returns the task text. Used when no agent
// command is configured.
type EchoRunner struct {
	Delay time.Duration
}

func (e *EchoRunner) Run(ctx context.Context, jobID, mode, taskText string) (string, error) {
	delay := e.Delay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(delay):
	}
	return fmt.Sprintf("[%s] %s", mode, taskText), nil
}
