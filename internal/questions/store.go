package questions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is the durable backend for the question collection, read and
// written as a single document. An absent backing file means an empty
// collection, never an error.
type Store interface {
	Load() ([]*Question, error)
	Save(questions []*Question) error
}

// document is the on-disk shape. Live waiters are never serialized.
type document struct {
	Questions   []*Question `json:"questions"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

// FileStore persists the collection as JSON at a fixed path.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() ([]*Question, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read question store: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse question store: %w", err)
	}
	return doc.Questions, nil
}

// Save writes the whole collection via a temp file and rename so a crash
// mid-write never leaves a truncated document.
func (s *FileStore) Save(questions []*Question) error {
	doc := document{
		Questions:   questions,
		LastUpdated: time.Now().UTC(),
	}
	if doc.Questions == nil {
		doc.Questions = []*Question{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode question store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create question store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write question store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace question store: %w", err)
	}
	return nil
}
