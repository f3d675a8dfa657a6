// Package store persists user overrides across power cycles. It stands in
// for the NVS partition on the stock firmware: a small JSON file rewritten
// atomically on every change.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/justlark/squirtinator/internal/core"
)

// Overrides holds every runtime-editable setting that must survive a
// restart. Nil fields mean "no override, use the config default".
type Overrides struct {
	Wifi    *core.WifiOverride `json:"wifi,omitempty"`
	MinFreq *int               `json:"min_freq,omitempty"`
	MaxFreq *int               `json:"max_freq,omitempty"`
}

// Store reads and writes the override file. Safe for concurrent use.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted overrides. A missing file is not an error; it
// yields the zero value.
func (s *Store) Load() (Overrides, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var o Overrides
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return o, fmt.Errorf("failed to read override file '%s': %w", s.path, err)
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("failed to parse override file '%s': %w", s.path, err)
	}
	return o, nil
}

// Save writes the overrides through a temp file and rename, so a power cut
// mid-write leaves the previous file intact.
func (s *Store) Save(o Overrides) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".overrides-*")
	if err != nil {
		return fmt.Errorf("failed to create temp override file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write overrides: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp override file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace override file: %w", err)
	}
	return nil
}
