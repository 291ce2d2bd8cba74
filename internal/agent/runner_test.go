package agent

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tests use /bin/sh")
	}
}

func shRunner(script string, opts ...RunnerOption) Runner {
	return NewExecRunner(Config{Command: "/bin/sh", Args: []string{"-c", script}}, opts...)
}

func TestRunCapturesStdout(t *testing.T) {
	skipWithoutShell(t)
	r := shRunner(`cat; printf ' done'`)

	out, err := r.Run(context.Background(), "job-1", "code", "fix the tests")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "fix the tests done" {
		t.Fatalf("Run() = %q", out)
	}
}

func TestRunPassesEnvironment(t *testing.T) {
	skipWithoutShell(t)
	r := shRunner(`printf '%s/%s' "$AGENT_JOB_ID" "$AGENT_MODE"`)

	out, err := r.Run(context.Background(), "job-9", "ask", "ignored")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "job-9/ask" {
		t.Fatalf("Run() = %q", out)
	}
}

func TestRunForwardsStderrMessages(t *testing.T) {
	skipWithoutShell(t)

	var mu sync.Mutex
	var lines []string
	r := shRunner(`echo step-one >&2; echo step-two >&2`, WithMessageFunc(func(jobID, line string) {
		mu.Lock()
		lines = append(lines, jobID+":"+line)
		mu.Unlock()
	}))

	if _, err := r.Run(context.Background(), "job-1", "code", ""); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 || lines[0] != "job-1:step-one" || lines[1] != "job-1:step-two" {
		t.Fatalf("messages = %v", lines)
	}
}

func TestRunReportsExitFailureWithStderrTail(t *testing.T) {
	skipWithoutShell(t)
	r := shRunner(`echo boom >&2; exit 7`)

	_, err := r.Run(context.Background(), "job-1", "code", "")
	if err == nil {
		t.Fatal("Run() succeeded for a failing process")
	}
	if !strings.Contains(err.Error(), "code 7") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	skipWithoutShell(t)
	r := shRunner(`sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "job-1", "code", "")
	if err == nil {
		t.Fatal("Run() survived context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
}

func TestRunBoundsCapturedOutput(t *testing.T) {
	skipWithoutShell(t)
	r := NewExecRunner(Config{
		Command:       "/bin/sh",
		Args:          []string{"-c", `head -c 4096 /dev/zero | tr '\0' 'x'`},
		MaxOutputSize: 100,
	})

	out, err := r.Run(context.Background(), "job-1", "code", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out) != 100 {
		t.Fatalf("len(out) = %d, want 100", len(out))
	}
}

func TestRunValidation(t *testing.T) {
	r := NewExecRunner(Config{Command: "true"})
	if _, err := r.Run(context.Background(), "  ", "code", ""); err == nil {
		t.Fatal("Run() accepted a blank job id")
	}

	r = NewExecRunner(Config{})
	if _, err := r.Run(context.Background(), "job-1", "code", ""); err == nil {
		t.Fatal("Run() accepted an empty command")
	}

	r = NewExecRunner(Config{Command: "true", WorkingDir: "/definitely/not/a/real/dir"})
	if _, err := r.Run(context.Background(), "job-1", "code", ""); err == nil {
		t.Fatal("Run() accepted a missing working directory")
	}
}

func TestEchoRunner(t *testing.T) {
	e := &EchoRunner{Delay: time.Millisecond}
	out, err := e.Run(context.Background(), "job-1", "ask", "what is the port")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "[ask] what is the port" {
		t.Fatalf("Run() = %q", out)
	}
}

func TestEchoRunnerHonorsCancellation(t *testing.T) {
	e := &EchoRunner{Delay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, "job-1", "code", "t"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
