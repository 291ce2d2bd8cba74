package questions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreAbsentFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	qs, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(qs) != 0 {
		t.Fatalf("Load() = %d questions, want 0", len(qs))
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	s := NewFileStore(path)

	answeredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []*Question{
		{
			ID:        "job-1-q1-100",
			JobID:     "job-1",
			Question:  "Which branch?",
			State:     StatePending,
			CreatedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
			Suggestions: []Suggestion{
				{Answer: "main"},
				{Answer: "release"},
			},
		},
		{
			ID:         "job-1-q2-200",
			JobID:      "job-1",
			Question:   "Force push?",
			State:      StateAnswered,
			Answer:     "no",
			AnsweredAt: &answeredAt,
			CreatedAt:  time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC),
		},
		{
			ID:        "job-1-q3-300",
			JobID:     "job-1",
			Question:  "Rebase?",
			State:     StateCancelled,
			Reason:    "job cancelled",
			CreatedAt: time.Date(2026, 3, 1, 11, 45, 0, 0, time.UTC),
		},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Load() = %d questions, want 3", len(out))
	}
	byID := make(map[string]*Question, len(out))
	for _, q := range out {
		byID[q.ID] = q
	}
	p := byID["job-1-q1-100"]
	if p == nil || p.State != StatePending {
		t.Fatalf("pending question not preserved: %+v", p)
	}
	if len(p.Suggestions) != 2 || p.Suggestions[0].Answer != "main" {
		t.Fatalf("suggestions not preserved: %+v", p.Suggestions)
	}
	a := byID["job-1-q2-200"]
	if a == nil || a.State != StateAnswered || a.Answer != "no" {
		t.Fatalf("answered question not preserved: %+v", a)
	}
	if a.AnsweredAt == nil || !a.AnsweredAt.Equal(answeredAt) {
		t.Fatalf("AnsweredAt = %v, want %v", a.AnsweredAt, answeredAt)
	}
	c := byID["job-1-q3-300"]
	if c == nil || c.State != StateCancelled || c.Reason != "job cancelled" {
		t.Fatalf("cancelled question not preserved: %+v", c)
	}
}

func TestFileStoreDocumentShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	s := NewFileStore(path)
	if err := s.Save(nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(doc["questions"]) != "[]" {
		t.Fatalf("questions = %s, want []", doc["questions"])
	}
	if _, ok := doc["lastUpdated"]; !ok {
		t.Fatal("document missing lastUpdated")
	}
}

func TestManagerExpiresOrphanedPendingOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	s := NewFileStore(path)
	err := s.Save([]*Question{
		{ID: "job-1-q1-1", JobID: "job-1", Question: "left behind", State: StatePending, CreatedAt: time.Now().UTC()},
		{ID: "job-1-q2-2", JobID: "job-1", Question: "done", State: StateAnswered, Answer: "ok", CreatedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	m, err := NewManager(Config{}, s, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Shutdown()

	orphan := m.GetQuestion("job-1-q1-1")
	if orphan == nil || orphan.State != StateExpired {
		t.Fatalf("orphaned pending question = %+v, want expired", orphan)
	}
	if orphan.Reason != "orphaned by restart" {
		t.Fatalf("orphan reason = %q, want %q", orphan.Reason, "orphaned by restart")
	}
	kept := m.GetQuestion("job-1-q2-2")
	if kept == nil || kept.State != StateAnswered || kept.Answer != "ok" {
		t.Fatalf("answered question = %+v, want preserved", kept)
	}

	// A late answer against the orphan is rejected; the settlement is final.
	if m.SubmitAnswer("job-1-q1-1", "late") {
		t.Fatal("SubmitAnswer() on an expired question succeeded")
	}
}
