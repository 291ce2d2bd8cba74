package jobs

import (
	"sort"
	"sync"
	"time"
)

// Store is authoritative, synchronous, in-memory CRUD over jobs. It carries
// no business rules beyond the derived-field side effects of Update.
type Store interface {
	Create(job *Job)
	Get(id string) *Job
	Update(id string, update JobUpdate) *Job
	Delete(id string) bool
	List(filter *ListFilter) []*Job
	GetStats() Stats
	Cleanup(cutoff time.Time) int
	Clear()
}

type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]*Job)}
}

// Create stores a defensive copy keyed by job.ID. The caller guarantees id
// uniqueness.
func (s *InMemoryStore) Create(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.clone()
}

// Get returns a copy of the job, or nil if absent.
func (s *InMemoryStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return j.clone()
}

// Update merges the partial update into the stored job and returns the
// merged copy, or nil if the job is absent.
//
// Derived-field rules fire on every call that carries a Status:
//   - transition to running stamps StartedAt if unset
//   - transition to a terminal status stamps CompletedAt if unset, and if
//     StartedAt is present records metadata[duration] = CompletedAt - StartedAt
func (s *InMemoryStore) Update(id string, update JobUpdate) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}

	if update.Result != nil {
		j.Result = *update.Result
	}
	if update.Error != nil {
		j.Error = *update.Error
	}
	if len(update.Metadata) > 0 {
		if j.Metadata == nil {
			j.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			j.Metadata[k] = v
		}
	}
	if update.Status != nil {
		j.Status = *update.Status
		now := time.Now().UTC()
		if j.Status == JobStatusRunning && j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
		if j.Status.IsTerminal() {
			if j.CompletedAt == nil {
				t := now
				j.CompletedAt = &t
			}
			if j.StartedAt != nil {
				if j.Metadata == nil {
					j.Metadata = make(map[string]string, 1)
				}
				j.Metadata[MetaDuration] = j.CompletedAt.Sub(*j.StartedAt).String()
			}
		}
	}

	return j.clone()
}

// Delete removes the job and reports whether anything was removed.
func (s *InMemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

// List returns copies of jobs matching the filter, newest first. A nil
// filter returns everything.
func (s *InMemoryStore) List(filter *ListFilter) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if filter != nil && !matches(j, filter) {
			continue
		}
		out = append(out, j.clone())
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})

	if filter == nil {
		return out
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

func matches(j *Job, f *ListFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if j.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && !j.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// GetStats counts jobs per status in one pass.
func (s *InMemoryStore) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Total: len(s.jobs)}
	for _, j := range s.jobs {
		switch j.Status {
		case JobStatusQueued:
			stats.Queued++
		case JobStatusRunning:
			stats.Running++
		case JobStatusCompleted:
			stats.Completed++
		case JobStatusFailed:
			stats.Failed++
		case JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Cleanup deletes terminal jobs created before cutoff and returns the count
// removed. Queued and running jobs are never removed regardless of age.
func (s *InMemoryStore) Cleanup(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Clear drops every job. Used by tests and full resets.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*Job)
}
