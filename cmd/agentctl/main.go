// agentctl is the command-line client for an agentd API server: batch task
// submission, job and question management, and an interactive REPL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmasur/agentd/internal/client"
	"github.com/pmasur/agentd/internal/jobs"
	"github.com/pmasur/agentd/internal/repl"
)

var (
	serverURL string
	mode      string
)

func main() {
	root := &cobra.Command{
		Use:   "agentctl",
		Short: "CLI client for the agentd coding-agent platform",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("AGENTD_URL", "http://localhost:8080"), "agentd API base URL")

	root.AddCommand(runCmd())
	root.AddCommand(jobsCmd())
	root.AddCommand(questionsCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(replCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client { return client.New(serverURL) }

// signalContext cancels on SIGINT/SIGTERM so a waiting command exits
// cleanly without cancelling the server-side job.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "run <task...>",
		Short: "Submit a task and wait for its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c := newClient()
			job, err := c.CreateJob(ctx, strings.Join(args, " "), mode, true)
			if err != nil {
				return err
			}
			fmt.Println(job.ID)
			if noWait {
				return nil
			}

			job, err = c.WaitForJob(ctx, job.ID, 500*time.Millisecond)
			if err != nil {
				return err
			}
			switch job.Status {
			case jobs.JobStatusCompleted:
				fmt.Println(job.Result)
				return nil
			default:
				return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
			}
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "code", "task mode")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "submit without waiting for completion")
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage jobs",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			jobList, err := newClient().ListJobs(ctx, status, limit)
			if err != nil {
				return err
			}
			for _, j := range jobList {
				fmt.Printf("%s\t%s\t%s\n", j.ID, j.Status, truncate(j.Task, 60))
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 20, "max jobs to list")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			j, err := newClient().GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:      %s\nstatus:  %s\ntask:    %s\n", j.ID, j.Status, j.Task)
			if j.Result != "" {
				fmt.Printf("result:\n%s\n", j.Result)
			}
			if j.Error != "" {
				fmt.Printf("error:   %s\n", j.Error)
			}
			return nil
		},
	}

	startJob := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			j, err := newClient().StartJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", j.ID, j.Status)
			return nil
		},
	}

	var reason string
	cancelJob := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			j, err := newClient().CancelJob(ctx, args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", j.ID, j.Status, j.Error)
			return nil
		},
	}
	cancelJob.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	cmd.AddCommand(list, get, startJob, cancelJob)
	return cmd
}

func questionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Manage pending questions",
	}

	var jobID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			qs, err := newClient().ListQuestions(ctx, jobID)
			if err != nil {
				return err
			}
			for _, q := range qs {
				fmt.Printf("%s\t%s\t%s\n", q.ID, q.State, q.Question)
			}
			return nil
		},
	}
	list.Flags().StringVar(&jobID, "job", "", "filter by job id")

	answer := &cobra.Command{
		Use:   "answer <id> <answer...>",
		Short: "Answer a pending question",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			q, err := newClient().AnswerQuestion(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("answered %s\n", q.ID)
			return nil
		},
	}

	var reason string
	cancelQ := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			q, err := newClient().CancelQuestion(ctx, args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", q.ID)
			return nil
		},
	}
	cancelQ.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	cmd.AddCommand(list, answer, cancelQ)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			stats, err := newClient().Stats(ctx)
			if err != nil {
				return err
			}
			for k, v := range stats {
				fmt.Printf("%s: %s\n", k, string(v))
			}
			return nil
		},
	}
}

func replCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive session against the agentd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return repl.New(newClient(), mode).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "code", "task mode")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
