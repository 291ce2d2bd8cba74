// Package events is the in-process integration layer between the managers
// and the delivery surfaces. Managers publish lifecycle transitions here;
// subscribers forward them to SSE clients, websocket streams, webhooks and
// the job-to-question cancellation cascade. Managers never hold references
// to each other.
package events

import (
	"log/slog"
	"sync"
	"time"
)

type Type string

const (
	JobCreated   Type = "job_created"
	JobStarted   Type = "job_started"
	JobCompleted Type = "job_completed"
	JobFailed    Type = "job_failed"
	JobCancelled Type = "job_cancelled"
	TaskMessage  Type = "task_message"

	QuestionCreated   Type = "question_created"
	QuestionAnswered  Type = "question_answered"
	QuestionCancelled Type = "question_cancelled"
	QuestionExpired   Type = "question_expired"
)

type Event struct {
	Type       Type      `json:"type"`
	JobID      string    `json:"job_id,omitempty"`
	QuestionID string    `json:"question_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers. Delivery is best-effort: a subscriber
// that stops draining its channel loses events rather than blocking
// publishers.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Publish stamps and delivers the event to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber lagging, dropping event", "subscriber", id, "type", string(ev.Type))
		}
	}
}

// Subscribe returns a buffered event channel and an unsubscribe function.
// The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// SubscribeFunc runs fn for every published event on a dedicated goroutine
// until the returned stop function is called.
func (b *Bus) SubscribeFunc(fn func(Event)) func() {
	ch, unsubscribe := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fn(ev)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}
