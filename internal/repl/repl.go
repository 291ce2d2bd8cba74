// Package repl is the interactive loop of the agentctl CLI. Plain input
// submits a task and waits for the result; slash commands inspect and
// manage jobs and questions.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pmasur/agentd/internal/client"
	"github.com/pmasur/agentd/internal/jobs"
	"github.com/pmasur/agentd/internal/questions"
)

type REPL struct {
	Client *client.Client
	Mode   string
	In     io.Reader
	Out    io.Writer
}

func New(c *client.Client, mode string) *REPL {
	return &REPL{Client: c, Mode: mode, In: os.Stdin, Out: os.Stdout}
}

// Run starts the interactive loop and returns when the user exits or input
// is exhausted.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintf(r.Out, "agentd repl (mode=%s). Type a task, or /help for commands.\n", r.Mode)
	scanner := bufio.NewScanner(r.In)
	for {
		fmt.Fprint(r.Out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if r.handleCommand(ctx, line) {
				return nil
			}
			continue
		}
		r.submit(ctx, line)
	}
	return scanner.Err()
}

// handleCommand returns true when the loop should exit.
func (r *REPL) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprintln(r.Out, `commands:
  /jobs [status]            list jobs
  /job <id>                 show one job
  /cancel <id> [reason]     cancel a job
  /questions [job-id]       list questions
  /answer <id> <text>       answer a question
  /mode <mode>              set task mode
  /stats                    show server stats
  /exit                     leave`)
	case "jobs":
		status := ""
		if len(args) > 0 {
			status = args[0]
		}
		list, err := r.Client.ListJobs(ctx, status, 20)
		if err != nil {
			fmt.Fprintf(r.Out, "error: %v\n", err)
			return false
		}
		for _, j := range list {
			r.printJob(j)
		}
	case "job":
		if len(args) < 1 {
			fmt.Fprintln(r.Out, "usage: /job <id>")
			return false
		}
		job, err := r.Client.GetJob(ctx, args[0])
		if err != nil {
			fmt.Fprintf(r.Out, "error: %v\n", err)
			return false
		}
		r.printJob(job)
		if job.Result != "" {
			fmt.Fprintln(r.Out, job.Result)
		}
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintln(r.Out, "usage: /cancel <id> [reason]")
			return false
		}
		reason := strings.Join(args[1:], " ")
		job, err := r.Client.CancelJob(ctx, args[0], reason)
		if err != nil {
			fmt.Fprintf(r.Out, "error: %v\n", err)
			return false
		}
		r.printJob(job)
	case "questions":
		jobID := ""
		if len(args) > 0 {
			jobID = args[0]
		}
		list, err := r.Client.ListQuestions(ctx, jobID)
		if err != nil {
			fmt.Fprintf(r.Out, "error: %v\n", err)
			return false
		}
		for _, q := range list {
			fmt.Fprintf(r.Out, "%s  [%s]  %s\n", q.ID, q.State, q.Question)
			for i, s := range q.Suggestions {
				fmt.Fprintf(r.Out, "    %d) %s\n", i+1, s.Answer)
			}
		}
	case "answer":
		if len(args) < 2 {
			fmt.Fprintln(r.Out, "usage: /answer <id> <text>")
			return false
		}
		q, err := r.Client.AnswerQuestion(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			fmt.Fprintf(r.Out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.Out, "answered %s: %s\n", q.ID, q.Answer)
	case "mode":
		if len(args) < 1 {
			fmt.Fprintf(r.Out, "mode: %s\n", r.Mode)
			return false
		}
		r.Mode = args[0]
		fmt.Fprintf(r.Out, "mode set to %s\n", r.Mode)
	case "stats":
		stats, err := r.Client.Stats(ctx)
		if err != nil {
			fmt.Fprintf(r.Out, "error: %v\n", err)
			return false
		}
		for k, v := range stats {
			fmt.Fprintf(r.Out, "%s: %s\n", k, string(v))
		}
	default:
		fmt.Fprintf(r.Out, "unknown command %q, try /help\n", cmd)
	}
	return false
}

// submit creates a job, then polls for the terminal state while surfacing
// any questions the agent raises along the way.
func (r *REPL) submit(ctx context.Context, taskText string) {
	job, err := r.Client.CreateJob(ctx, taskText, r.Mode, true)
	if err != nil {
		fmt.Fprintf(r.Out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(r.Out, "submitted %s\n", job.ID)

	seen := map[string]bool{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		current, err := r.Client.GetJob(ctx, job.ID)
		if err != nil {
			fmt.Fprintf(r.Out, "error: %v\n", err)
			return
		}

		qs, err := r.Client.ListQuestions(ctx, job.ID)
		if err == nil {
			for _, q := range qs {
				if q.State == questions.StatePending && !seen[q.ID] {
					seen[q.ID] = true
					fmt.Fprintf(r.Out, "question from agent: %s\n  answer with: /answer %s <text>\n", q.Question, q.ID)
				}
			}
		}

		if current.Status.IsTerminal() {
			r.printJob(current)
			switch current.Status {
			case jobs.JobStatusCompleted:
				fmt.Fprintln(r.Out, current.Result)
			default:
				fmt.Fprintln(r.Out, current.Error)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *REPL) printJob(j *jobs.Job) {
	duration := ""
	if j.Metadata != nil {
		duration = j.Metadata[jobs.MetaDuration]
	}
	fmt.Fprintf(r.Out, "%s  [%s]  %s  %s\n", j.ID, j.Status, truncate(j.Task, 60), duration)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
