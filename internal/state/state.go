// Package state implements the durable, checksum-protected record of job
// progress (C2). It is the mechanism that lets the engine tell "clean
// machine" apart from "mid-update crash" apart from "corrupt file" without
// heuristics: a load that doesn't check out is simply absent.
package state

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/observability"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRolledBack  Status = "rolled_back"
)

// State is the persisted object described in the data model. Checksum is
// always the last field computed and is excluded from its own input.
type State struct {
	Status             Status   `json:"status"`
	PackagePath        string   `json:"package_path"`
	Description        string   `json:"description"`
	CompletedActions   []int    `json:"completed_actions"`
	CurrentAction      *int     `json:"current_action,omitempty"`
	CurrentActionName  string   `json:"current_action_name,omitempty"`
	LastUpdated        string   `json:"last_updated"`
	CompletedAt        string   `json:"completed_at,omitempty"`
	Checksum           string   `json:"checksum"`
}

// Store is the on-disk state store rooted at a single state.json path.
type Store struct {
	path   string
	logger *observability.Logger
}

// NewStore creates a Store writing to path.
func NewStore(path string, logger *observability.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// computeChecksum returns the MD5 hex of s serialized with Checksum cleared,
// matching the canonical "all fields except checksum" contract.
func computeChecksum(s State) (string, error) {
	s.Checksum = ""
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("state: failed to serialize for checksum: %w", err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// Load reads the state file and verifies its checksum. A missing file,
// parse error, or checksum mismatch all return (nil, nil) — state is
// "absent", never an error the caller must branch on (I4).
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: failed to read %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		if s.logger != nil {
			s.logger.Warn("state file failed to parse, treating as absent", zap.Error(err))
		}
		return nil, nil
	}

	expected, err := computeChecksum(st)
	if err != nil {
		return nil, err
	}
	if expected != st.Checksum {
		if s.logger != nil {
			s.logger.Warn("state checksum mismatch, treating as absent",
				zap.String("expected", expected),
				zap.String("found", st.Checksum),
			)
		}
		return nil, nil
	}

	return &st, nil
}

// Save sets LastUpdated, computes the checksum, and writes the state
// atomically (write-to-temp then rename).
func (s *Store) Save(st *State) error {
	st.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	checksum, err := computeChecksum(*st)
	if err != nil {
		return err
	}
	st.Checksum = checksum

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: failed to marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("state: failed to create directory %s: %w", dir, err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("state: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: failed to rename temp file into place: %w", err)
	}

	return nil
}

// Clear removes the state file, if any.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state: failed to clear: %w", err)
	}
	return nil
}

// MarkActionStarted persists that action i ("name") has begun.
func (s *Store) MarkActionStarted(st *State, i int, name string) error {
	st.CurrentAction = &i
	st.CurrentActionName = name
	return s.Save(st)
}

// MarkActionComplete records action i as complete (I5: only ever called
// after the action's side effects have already returned success).
func (s *Store) MarkActionComplete(st *State, i int) error {
	st.CompletedActions = append(st.CompletedActions, i)
	return s.Save(st)
}

// MarkUpdateComplete transitions to a terminal status.
func (s *Store) MarkUpdateComplete(st *State, status Status) error {
	st.Status = status
	st.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	return s.Save(st)
}

// IsUpdateInProgress reports whether st represents a crashed/interrupted run.
func IsUpdateInProgress(st *State) bool {
	return st != nil && st.Status == StatusInProgress
}

// HasCompleted reports whether action index i is already recorded done.
func (st *State) HasCompleted(i int) bool {
	for _, done := range st.CompletedActions {
		if done == i {
			return true
		}
	}
	return false
}
