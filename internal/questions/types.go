// Package questions manages long-lived question/answer exchanges between a
// running task and the user: a task raises a question, its logical thread
// suspends on the returned waiter, and the answer (or a cancellation or
// expiry) settles it exactly once. State transitions are persisted so a
// restart does not silently lose answered questions.
package questions

import (
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateAnswered  State = "answered"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state is final. Terminal states are
// disjoint; no transition leaves them.
func (s State) IsTerminal() bool {
	return s == StateAnswered || s == StateExpired || s == StateCancelled
}

// Suggestion is one candidate answer offered to the user.
type Suggestion struct {
	Answer string `json:"answer"`
}

// Question is the durable part of an exchange. The live waiter exists only
// in memory for the lifetime of the pending exchange and is never
// serialized.
type Question struct {
	ID          string       `json:"id"`
	JobID       string       `json:"jobId"`
	Question    string       `json:"question"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	State       State        `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	AnsweredAt  *time.Time   `json:"answeredAt,omitempty"`
	Answer      string       `json:"answer,omitempty"`
	// Reason records why a question ended without an answer: the
	// cancellation reason, the expiry timeout, or "orphaned by restart".
	Reason string `json:"reason,omitempty"`

	// Timeout is in-memory only: a zero value means the question waits
	// indefinitely.
	Timeout time.Duration `json:"-"`
}

func (q *Question) clone() *Question {
	c := *q
	if q.Suggestions != nil {
		c.Suggestions = make([]Suggestion, len(q.Suggestions))
		copy(c.Suggestions, q.Suggestions)
	}
	if q.AnsweredAt != nil {
		t := *q.AnsweredAt
		c.AnsweredAt = &t
	}
	return &c
}

// QuestionStats summarizes the manager's state.
type QuestionStats struct {
	Total     int            `json:"total"`
	Pending   int            `json:"pending"`
	Answered  int            `json:"answered"`
	Expired   int            `json:"expired"`
	Cancelled int            `json:"cancelled"`
	ByJob     map[string]int `json:"by_job,omitempty"`
}
