// Package client is the HTTP client the CLI uses to talk to an agentd API
// server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmasur/agentd/internal/jobs"
	"github.com/pmasur/agentd/internal/questions"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateJob submits a task. When start is false the job stays queued.
func (c *Client) CreateJob(ctx context.Context, task, mode string, start bool) (*jobs.Job, error) {
	payload := map[string]any{"task": task, "start": start}
	if mode != "" {
		payload["mode"] = mode
	}
	var job jobs.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", payload, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StartJob begins executing a job that was created with start=false.
func (c *Client) StartJob(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/start", map[string]any{}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]*jobs.Job, error) {
	endpoint := "/jobs"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var payload struct {
		Jobs []*jobs.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Jobs, nil
}

func (c *Client) CancelJob(ctx context.Context, id, reason string) (*jobs.Job, error) {
	var job jobs.Job
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForJob polls until the job reaches a terminal status or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, poll time.Duration) (*jobs.Job, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) ListQuestions(ctx context.Context, jobID string) ([]*questions.Question, error) {
	endpoint := "/questions"
	if jobID != "" {
		endpoint += "?job_id=" + url.QueryEscape(jobID)
	}
	var payload struct {
		Questions []*questions.Question `json:"questions"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Questions, nil
}

func (c *Client) AnswerQuestion(ctx context.Context, id, answer string) (*questions.Question, error) {
	var q questions.Question
	body := map[string]string{"answer": answer}
	if err := c.do(ctx, http.MethodPost, "/questions/"+url.PathEscape(id)+"/answer", body, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) CancelQuestion(ctx context.Context, id, reason string) (*questions.Question, error) {
	var q questions.Question
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/questions/"+url.PathEscape(id)+"/cancel", body, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Stats returns the raw stats document.
func (c *Client) Stats(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("http %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
