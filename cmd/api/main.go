package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pmasur/agentd/internal/agent"
	"github.com/pmasur/agentd/internal/events"
	"github.com/pmasur/agentd/internal/httpapi"
	"github.com/pmasur/agentd/internal/jobs"
	"github.com/pmasur/agentd/internal/orchestrator"
	"github.com/pmasur/agentd/internal/questions"
	"github.com/pmasur/agentd/internal/webhook"
)

func main() {
	// Logger
	level := parseLogLevel(getenv("LOG_LEVEL", "INFO"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Config via env with sensible defaults
	addr := getenv("API_ADDR", ":8080")
	questionsPath := getenv("QUESTIONS_PATH", "data/questions.json")
	jobTimeoutSec := getEnvInt("JOB_TIMEOUT_SEC", 300)
	reaperIntervalSec := getEnvInt("REAPER_INTERVAL_SEC", 3600)
	maxWebhookRetries := getEnvInt("WEBHOOK_MAX_RETRIES", 5)
	webhookTimeoutSec := getEnvInt("WEBHOOK_TIMEOUT_SEC", 10)
	agentCmd := getenv("AGENT_CMD", "")

	// Event bus and fan-out
	bus := events.NewBus(logger)
	streamer := httpapi.NewEventStreamer()
	sender := webhook.NewHTTPSender(time.Duration(webhookTimeoutSec)*time.Second, maxWebhookRetries)

	// Core components
	store := jobs.NewInMemoryStore()
	jobCfg := jobs.DefaultConfig()
	jobCfg.DefaultJobTimeout = time.Duration(jobTimeoutSec) * time.Second
	manager := jobs.NewManager(jobCfg, store, logger, func(job *jobs.Job) {
		bus.Publish(events.Event{Type: jobEventType(job.Status), JobID: job.ID, Payload: job})
	})

	questionStore := questions.NewFileStore(questionsPath)
	qm, err := questions.NewManager(questions.DefaultConfig(), questionStore, logger, func(q *questions.Question) {
		bus.Publish(events.Event{Type: questionEventType(q.State), JobID: q.JobID, QuestionID: q.ID, Payload: q})
	})
	if err != nil {
		logger.Error("failed to initialize question manager", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.DefaultConfig(), logger)

	var runner agent.Runner
	if agentCmd != "" {
		parts := strings.Fields(agentCmd)
		runner = agent.NewExecRunner(
			agent.Config{Command: parts[0], Args: parts[1:]},
			agent.WithLogger(logger),
			agent.WithMessageFunc(func(jobID, line string) {
				orch.ReportMessage(jobID, line)
			}),
		)
	} else {
		logger.Warn("AGENT_CMD not set, using echo runner")
		runner = &agent.EchoRunner{}
	}

	// Integration subscribers. The job-to-question cascade lives here, not
	// inside either manager: a terminal job takes its open questions with it.
	stopCascade := bus.SubscribeFunc(func(ev events.Event) {
		switch ev.Type {
		case events.JobCancelled, events.JobFailed, events.JobCompleted:
			reason := "job finished"
			if ev.Type == events.JobCancelled {
				reason = "job cancelled"
			}
			if n := qm.CancelJobQuestions(ev.JobID, reason); n > 0 {
				logger.Info("cancelled job questions", "job_id", ev.JobID, "count", n)
			}
		}
	})
	defer stopCascade()

	stopStream := bus.SubscribeFunc(func(ev events.Event) {
		streamer.Broadcast(ev)
		switch ev.Type {
		case events.JobCompleted, events.JobFailed, events.JobCancelled:
			streamer.CloseJob(ev.JobID)
		}
	})
	defer stopStream()

	stopWebhooks := bus.SubscribeFunc(func(ev events.Event) {
		job, ok := ev.Payload.(*jobs.Job)
		if !ok || job.Metadata == nil || job.Metadata[jobs.MetaCallbackURL] == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := sender.Notify(ctx, job.Metadata[jobs.MetaCallbackURL], webhook.Notification{
			JobID:     job.ID,
			Status:    string(job.Status),
			Error:     job.Error,
			Timestamp: time.Now().UTC(),
			Job:       job,
		}); err != nil {
			logger.Warn("webhook delivery failed", "job_id", job.ID, "error", err)
		}
	})
	defer stopWebhooks()

	manager.StartReaper(time.Duration(reaperIntervalSec) * time.Second)

	mux := httpapi.NewRouter(manager, qm, orch, runner, bus, streamer)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	manager.Shutdown()
	qm.Shutdown()
}

func jobEventType(status jobs.JobStatus) events.Type {
	switch status {
	case jobs.JobStatusQueued:
		return events.JobCreated
	case jobs.JobStatusRunning:
		return events.JobStarted
	case jobs.JobStatusCompleted:
		return events.JobCompleted
	case jobs.JobStatusFailed:
		return events.JobFailed
	case jobs.JobStatusCancelled:
		return events.JobCancelled
	}
	return events.JobCreated
}

func questionEventType(state questions.State) events.Type {
	switch state {
	case questions.StateAnswered:
		return events.QuestionAnswered
	case questions.StateCancelled:
		return events.QuestionCancelled
	case questions.StateExpired:
		return events.QuestionExpired
	}
	return events.QuestionCreated
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return def
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "INFO", "info":
		return slog.LevelInfo
	case "WARN", "warning", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
