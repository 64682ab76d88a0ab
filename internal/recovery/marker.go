// Package recovery persists the completion marker consulted at
// startup to short-circuit into the previous run's result.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Marker records a finished run. It is written once at run end and
// deleted on explicit reset; concurrent invocations are not supported,
// so no locking is done.
type Marker struct {
	CompletedAt time.Time `json:"completed_at"`
	OutputFile  string    `json:"output_file"`
}

// Store reads and writes the marker at a fixed well-known path.
type Store struct {
	path string
}

// NewStore creates a Store for the given marker path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Write persists the marker.
func (s *Store) Write(m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode completion marker: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}
	return nil
}

// Read returns the marker if one exists. The second return is false
// when no run has completed since the last reset.
func (s *Store) Read() (Marker, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("failed to read completion marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, false, fmt.Errorf("failed to decode completion marker: %w", err)
	}
	return m, true, nil
}

// Reset deletes the marker, returning the system to the idle state.
// Resetting when no marker exists is not an error.
func (s *Store) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove completion marker: %w", err)
	}
	return nil
}
