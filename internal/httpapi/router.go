package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pmasur/agentd/internal/agent"
	"github.com/pmasur/agentd/internal/events"
	"github.com/pmasur/agentd/internal/jobs"
	"github.com/pmasur/agentd/internal/orchestrator"
	"github.com/pmasur/agentd/internal/questions"
	"github.com/pmasur/agentd/internal/task"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // editor extension origin varies
	},
}

type router struct {
	manager   *jobs.Manager
	questions *questions.Manager
	orch      *orchestrator.Orchestrator
	runner    agent.Runner
	bus       *events.Bus
	streamer  *EventStreamer
}

func NewRouter(
	manager *jobs.Manager,
	qm *questions.Manager,
	orch *orchestrator.Orchestrator,
	runner agent.Runner,
	bus *events.Bus,
	streamer *EventStreamer,
) http.Handler {
	r := &router{
		manager:   manager,
		questions: qm,
		orch:      orch,
		runner:    runner,
		bus:       bus,
		streamer:  streamer,
	}
	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", r.handleHealth)
	m.HandleFunc("POST /jobs", r.handleCreateJob)
	m.HandleFunc("GET /jobs", r.handleListJobs)
	m.HandleFunc("GET /jobs/{id}", r.handleGetJob)
	m.HandleFunc("POST /jobs/{id}/start", r.handleStartJob)
	m.HandleFunc("POST /jobs/{id}/cancel", r.handleCancelJob)
	m.HandleFunc("GET /jobs/{id}/events", r.handleJobEvents)
	m.HandleFunc("POST /jobs/{id}/questions", r.handleAskQuestion)
	m.HandleFunc("GET /questions", r.handleListQuestions)
	m.HandleFunc("GET /questions/{id}", r.handleGetQuestion)
	m.HandleFunc("POST /questions/{id}/answer", r.handleAnswerQuestion)
	m.HandleFunc("POST /questions/{id}/cancel", r.handleCancelQuestion)
	m.HandleFunc("GET /stats", r.handleStats)
	m.HandleFunc("GET /events", r.handleEvents)
	m.Handle("GET /metrics", promhttp.Handler())
	return logging(m)
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobPayload struct {
	jobs.CreateJobRequest
	// Start controls whether the job begins executing immediately. Nil
	// defaults to true; false leaves the job queued for an explicit start.
	Start     *bool `json:"start,omitempty"`
	InfoQuery bool  `json:"info_query,omitempty"`
}

func (r *router) handleCreateJob(w http.ResponseWriter, req *http.Request) {
	var body createJobPayload
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(body.Task) == "" {
		respondWithError(w, http.StatusBadRequest, "task is required")
		return
	}

	job := r.manager.CreateJob(body.CreateJobRequest)

	if body.Start == nil || *body.Start {
		if err := r.startJob(job, body.InfoQuery); err != nil {
			respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		job = r.manager.GetJob(job.ID)
	}
	respondWithJSON(w, http.StatusAccepted, job)
}

// startJob spawns the agent run for the job and hands it to both
// supervisors: the orchestrator for timeout/cancel policy and the job
// manager for lifecycle bookkeeping.
func (r *router) startJob(job *jobs.Job, infoQuery bool) error {
	mode := ""
	if job.Metadata != nil {
		mode = job.Metadata[jobs.MetaMode]
	}
	taskText := job.Task
	handle := task.Start(context.Background(), job.ID, func(ctx context.Context) (string, error) {
		return r.runner.Run(ctx, job.ID, mode, taskText)
	})

	go func() {
		_ = r.orch.ExecuteTask(handle, handle.Outcome(), r.execHandler(), orchestrator.Options{
			TaskID:      job.ID,
			IsInfoQuery: infoQuery,
		})
	}()

	if err := r.manager.StartJob(job.ID, handle, r.orch); err != nil {
		r.orch.CancelExecution(job.ID, "job start failed")
		_ = handle.AbortTask(context.Background())
		return err
	}
	return nil
}

// execHandler observes orchestrator-level lifecycle. Store transitions are
// the job manager's business; this handler only feeds the event surfaces.
func (r *router) execHandler() orchestrator.Handler {
	return busHandler{bus: r.bus}
}

type busHandler struct {
	bus *events.Bus
}

func (h busHandler) OnTaskStarted(taskID string)           {}
func (h busHandler) OnTaskCompleted(taskID, result string) {}
func (h busHandler) OnTaskFailed(taskID string, err error) {}
func (h busHandler) OnTaskMessage(taskID, message string) {
	h.bus.Publish(events.Event{Type: events.TaskMessage, JobID: taskID, Message: message})
}

// handleStartJob begins executing a job that was created with start=false.
func (r *router) handleStartJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	job := r.manager.GetJob(id)
	if job == nil {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	var body struct {
		InfoQuery bool `json:"info_query,omitempty"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)

	if err := r.startJob(job, body.InfoQuery); err != nil {
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, r.manager.GetJob(id))
}

func (r *router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	filter := &jobs.ListFilter{}
	q := req.URL.Query()
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, jobs.JobStatus(s))
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	list := r.manager.ListJobs(filter)
	if list == nil {
		list = []*jobs.Job{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (r *router) handleGetJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	job := r.manager.GetJob(id)
	if job == nil {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

func (r *router) handleCancelJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)

	if !r.manager.CancelJob(id, body.Reason) {
		respondWithError(w, http.StatusConflict, "job not found or not cancellable")
		return
	}
	respondWithJSON(w, http.StatusOK, r.manager.GetJob(id))
}

func (r *router) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if r.manager.GetJob(id) == nil {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	r.streamer.Subscribe(id, conn)
	defer r.streamer.Unsubscribe(id, conn)

	// Keep the connection open until the client goes away.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}

type askQuestionPayload struct {
	Question    string                 `json:"question"`
	Suggestions []questions.Suggestion `json:"suggestions,omitempty"`
	TimeoutMs   int64                  `json:"timeout_ms,omitempty"`
}

// handleAskQuestion is the agent-facing side of the question exchange: the
// running task posts its question and the request blocks until someone
// answers, the question is cancelled, or it expires.
func (r *router) handleAskQuestion(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("id")
	if r.manager.GetJob(jobID) == nil {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}

	var body askQuestionPayload
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(body.Question) == "" {
		respondWithError(w, http.StatusBadRequest, "question is required")
		return
	}

	pending, err := r.questions.CreateQuestion(jobID, body.Question, body.Suggestions, time.Duration(body.TimeoutMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, questions.ErrTooManyPending) {
			respondWithError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Waiting for a human; counts as activity for the sliding timeout.
	r.orch.NotifyActivity(jobID)

	answer, err := pending.Wait(req.Context())
	if err != nil {
		if req.Context().Err() != nil {
			// Caller went away; the question stays pending for later answer
			// or job-level cancellation.
			return
		}
		respondWithError(w, http.StatusGone, err.Error())
		return
	}
	r.orch.NotifyActivity(jobID)
	respondWithJSON(w, http.StatusOK, map[string]string{"question_id": pending.ID, "answer": answer})
}

func (r *router) handleListQuestions(w http.ResponseWriter, req *http.Request) {
	list := r.questions.ListQuestions(req.URL.Query().Get("job_id"))
	if list == nil {
		list = []*questions.Question{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"questions": list})
}

func (r *router) handleGetQuestion(w http.ResponseWriter, req *http.Request) {
	q := r.questions.GetQuestion(req.PathValue("id"))
	if q == nil {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	respondWithJSON(w, http.StatusOK, q)
}

func (r *router) handleAnswerQuestion(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var body struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if !r.questions.SubmitAnswer(id, body.Answer) {
		respondWithError(w, http.StatusConflict, "question not found or not pending")
		return
	}
	respondWithJSON(w, http.StatusOK, r.questions.GetQuestion(id))
}

func (r *router) handleCancelQuestion(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)

	if !r.questions.CancelQuestion(id, body.Reason) {
		respondWithError(w, http.StatusConflict, "question not found or not pending")
		return
	}
	respondWithJSON(w, http.StatusOK, r.questions.GetQuestion(id))
}

func (r *router) handleStats(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"jobs":              r.manager.GetStats(),
		"questions":         r.questions.GetStats(),
		"active_jobs":       r.manager.GetActiveJobCount(),
		"active_executions": r.orch.GetActiveExecutionCount(),
	})
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}
