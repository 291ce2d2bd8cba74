// Package agent produces the runnable tasks the job core supervises. The
// default implementation shells out to a configured agent command; anything
// else (an in-process agent, a remote worker) just implements Runner.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one agent task to completion and returns its result text.
// Implementations must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, jobID, mode, taskText string) (string, error)
}

// Config tunes the subprocess runner.
type Config struct {
	// Command and Args form the agent process to spawn. The task text is
	// written to its stdin; the mode and job id are passed via environment.
	Command string
	Args    []string
	// WorkingDir, when set, must exist and be a directory.
	WorkingDir string
	// MaxOutputSize bounds captured stdout in bytes; 0 means 1MB.
	MaxOutputSize int
}

type RunnerOption func(*execRunner)

// WithMessageFunc installs a per-line callback for the agent's stderr,
// which the agent protocol uses for progress messages. The callback also
// serves as the activity signal for sliding timeouts.
func WithMessageFunc(fn func(jobID, line string)) RunnerOption {
	return func(r *execRunner) { r.onMessage = fn }
}

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *execRunner) { r.logger = logger }
}

type execRunner struct {
	cfg       Config
	onMessage func(jobID, line string)
	logger    *slog.Logger
}

// NewExecRunner builds the subprocess-backed Runner.
func NewExecRunner(cfg Config, opts ...RunnerOption) Runner {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = 1024 * 1024
	}
	r := &execRunner{cfg: cfg, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *execRunner) Run(ctx context.Context, jobID, mode, taskText string) (string, error) {
	if err := r.validate(jobID); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = r.cfg.WorkingDir
	cmd.Env = append(os.Environ(),
		"AGENT_JOB_ID="+jobID,
		"AGENT_MODE="+mode,
	)
	cmd.Stdin = strings.NewReader(taskText)

	var stdout bytes.Buffer
	cmd.Stdout = &boundedWriter{w: &stdout, limit: r.cfg.MaxOutputSize}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start agent process: %w", err)
	}

	var lastLines []string
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lastLines = append(lastLines, line)
		if len(lastLines) > 20 {
			lastLines = lastLines[1:]
		}
		r.logger.Debug("agent message", "job_id", jobID, "line", line)
		if r.onMessage != nil {
			r.onMessage(jobID, line)
		}
	}

	err = cmd.Wait()
	duration := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("agent run aborted: %w", ctxErr)
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.logger.Error("agent process failed",
			"job_id", jobID,
			"exit_code", exitCode,
			"duration", duration.String(),
		)
		if len(lastLines) > 0 {
			return "", fmt.Errorf("agent exited with code %d: %s", exitCode, strings.Join(lastLines, "; "))
		}
		return "", fmt.Errorf("agent exited with code %d", exitCode)
	}

	r.logger.Info("agent process completed",
		"job_id", jobID,
		"duration", duration.String(),
		"output_length", stdout.Len(),
	)
	return stdout.String(), nil
}

func (r *execRunner) validate(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("jobID cannot be empty")
	}
	if r.cfg.Command == "" {
		return errors.New("no agent command configured")
	}
	if r.cfg.WorkingDir != "" {
		info, err := os.Stat(r.cfg.WorkingDir)
		if err != nil {
			return fmt.Errorf("working directory does not exist: %w", err)
		}
		if !info.IsDir() {
			return errors.New("working directory path is not a directory")
		}
	}
	return nil
}

// boundedWriter stops capturing after limit bytes but keeps draining so the
// child never blocks on a full pipe.
type boundedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	if b.n < b.limit {
		remain := b.limit - b.n
		chunk := p
		if len(chunk) > remain {
			chunk = chunk[:remain]
		}
		if _, err := b.w.Write(chunk); err != nil {
			return 0, err
		}
		b.n += len(chunk)
	}
	return len(p), nil
}
