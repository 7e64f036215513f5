// Package state persists per-target scheduling state across restarts.
package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the persisted scheduling state for one target.
type Record struct {
	LastRunAt          time.Time `json:"last_run_at,omitempty"`
	LastFullRunAt      time.Time `json:"last_full_run_at,omitempty"`
	LastParityUpdateAt time.Time `json:"last_parity_update_at,omitempty"`
	LastStatus         string    `json:"last_status,omitempty"`
}

// Store keeps records keyed by target id and saves them atomically.
type Store struct {
	path string

	mu   sync.RWMutex
	data map[string]Record
}

// Open loads the store from path, starting empty if the file does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]Record)}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	return r, ok
}

// Put merges r into the record for id. Timestamps only advance forward;
// a zero or older timestamp in r leaves the stored one untouched. The
// status is replaced when set.
func (s *Store) Put(id string, r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.data[id]
	if r.LastRunAt.After(cur.LastRunAt) {
		cur.LastRunAt = r.LastRunAt
	}
	if r.LastFullRunAt.After(cur.LastFullRunAt) {
		cur.LastFullRunAt = r.LastFullRunAt
	}
	if r.LastParityUpdateAt.After(cur.LastParityUpdateAt) {
		cur.LastParityUpdateAt = r.LastParityUpdateAt
	}
	if r.LastStatus != "" {
		cur.LastStatus = r.LastStatus
	}
	s.data[id] = cur
}

const (
	tmpPattern = "state-*.json"
	filePerm   = 0o644
)

// Save writes the store durably: a temp file in the same directory is
// written in full, then renamed over the target path.
func (s *Store) Save() error {
	s.mu.RLock()
	b, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, filePerm); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, s.path)
}
