package jobs

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the final states. A job
// in a terminal status never transitions again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Metadata keys managed by the core. Everything else in the metadata map is
// caller-owned and passed through untouched.
const (
	MetaMode        = "mode"
	MetaClientInfo  = "clientInfo"
	MetaDuration    = "duration"
	MetaCallbackURL = "callbackUrl"
)

// Job is one unit of agent work with its own lifecycle.
//
// Legal transitions: queued -> running -> completed|failed, and
// queued|running -> cancelled. StartedAt is set iff the job has ever been
// running; CompletedAt is set iff the status is terminal.
type Job struct {
	ID       string            `json:"id"`
	Task     string            `json:"task"`
	Status   JobStatus         `json:"status"`
	Result   string            `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a defensive copy. Stored jobs are only ever mutated through
// Store.Update; callers get copies they may scribble on freely.
func (j *Job) clone() *Job {
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateJobRequest carries the caller-supplied parts of a new job.
type CreateJobRequest struct {
	Task        string            `json:"task"`
	Mode        string            `json:"mode,omitempty"`
	ClientInfo  string            `json:"client_info,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ListFilter narrows and pages a Store.List call. Zero values mean "no
// constraint".
type ListFilter struct {
	Statuses      []JobStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Offset        int
	Limit         int
}

// Stats is a one-pass summary of the store.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// JobUpdate is a partial update applied by Store.Update. Nil pointer fields
// are left untouched; Metadata is shallow-merged into the existing map.
//
// Passing Status triggers the store's derived-field rules (StartedAt,
// CompletedAt, duration metadata), so only pass it when a real transition
// is intended.
type JobUpdate struct {
	Status   *JobStatus
	Result   *string
	Error    *string
	Metadata map[string]string
}
