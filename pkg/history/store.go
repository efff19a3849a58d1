// Package history keeps a JSON file of finished voice sessions.
package history

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

// ErrNotFound is returned for unknown record IDs.
var ErrNotFound = errors.New("history: record not found")

// Record is one finished session.
type Record struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	Outcome    string            `json:"outcome"` // "ended" or "error"
	Error      string            `json:"error,omitempty"`
	Voice      string            `json:"voice"`
	Transcript []transcript.Item `json:"transcript"`

	// RecordingBytes is the size of the audio export; audio is not stored.
	RecordingBytes int `json:"recording_bytes,omitempty"`
}

// Duration returns how long the session lasted.
func (r *Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store defines the interface for history storage operations.
type Store interface {
	// Save stores a record, assigning an ID when empty.
	Save(rec *Record) error

	// Get retrieves a record by ID.
	Get(id string) (*Record, error)

	// List returns all records, newest first.
	List() ([]*Record, error)

	// Delete removes a record by ID.
	Delete(id string) error

	// Search returns records whose transcript contains query.
	Search(query string) ([]*Record, error)

	// Count returns the number of records.
	Count() int
}

// DefaultMaxRecords bounds the file; the oldest records are pruned.
const DefaultMaxRecords = 200

// JSONStore implements Store using a JSON file for persistence.
type JSONStore struct {
	path    string
	max     int
	records map[string]*Record
	mu      sync.RWMutex
}

// storeData is the JSON structure for the store file.
type storeData struct {
	Version   int       `json:"version"`
	UpdatedAt string    `json:"updated_at"`
	Records   []*Record `json:"records"`
}

const currentVersion = 1

// NewJSONStore opens the store at path. The file is created on first save.
// max <= 0 selects DefaultMaxRecords.
func NewJSONStore(path string, max int) (*JSONStore, error) {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	store := &JSONStore{
		path:    path,
		max:     max,
		records: make(map[string]*Record),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := store.load(); err != nil {
			return nil, fmt.Errorf("history: load store: %w", err)
		}
	}

	return store, nil
}

func (s *JSONStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var stored storeData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	s.records = make(map[string]*Record, len(stored.Records))
	for _, rec := range stored.Records {
		s.records[rec.ID] = rec
	}
	return nil
}

// save writes the store to disk. Callers hold s.mu.
func (s *JSONStore) save() error {
	stored := storeData{
		Version:   currentVersion,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Records:   s.sorted(),
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal JSON: %w", err)
	}

	// Write to temp file first, then rename (atomic write)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("history: rename temp file: %w", err)
	}
	return nil
}

// sorted returns the records newest first. Callers hold s.mu.
func (s *JSONStore) sorted() []*Record {
	recs := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *Record) int {
		if c := b.EndedAt.Compare(a.EndedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return recs
}

// Save stores rec and prunes the oldest records beyond the limit.
func (s *JSONStore) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}
	s.records[rec.ID] = rec

	if len(s.records) > s.max {
		for _, old := range s.sorted()[s.max:] {
			delete(s.records, old.ID)
		}
	}
	return s.save()
}

// Get retrieves a record by ID.
func (s *JSONStore) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns all records, newest first.
func (s *JSONStore) List() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(), nil
}

// Delete removes a record by ID.
func (s *JSONStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.records, id)
	return s.save()
}

// Search returns records whose transcript contains query, case-insensitive,
// newest first.
func (s *JSONStore) Search(query string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	var results []*Record
	for _, rec := range s.sorted() {
		for _, it := range rec.Transcript {
			if strings.Contains(strings.ToLower(it.Text), q) {
				results = append(results, rec)
				break
			}
		}
	}
	return results, nil
}

// Count returns the number of records.
func (s *JSONStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Path returns the file path of the store.
func (s *JSONStore) Path() string {
	return s.path
}

var _ Store = (*JSONStore)(nil)
