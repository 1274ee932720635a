package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Persisted is the on-disk form of the last completed run
type Persisted struct {
	Healthy  bool          `json:"healthy"`
	LastSync *SyncMetadata `json:"last_sync"`
	Error    string        `json:"error,omitempty"`
}

// Store persists the last completed run as JSON
type Store struct {
	path string
}

// NewStore creates a store writing to path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted state. A missing file returns nil without error.
func (s *Store) Load() (*Persisted, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var p Persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return &p, nil
}

// Save writes the completed parts of st, dropping any pending reason
func (s *Store) Save(st Status) error {
	data, err := json.MarshalIndent(Persisted{
		Healthy:  st.Healthy,
		LastSync: st.LastSync,
		Error:    st.Error,
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
