package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/serkankas/py-offline-updater/internal/observability"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(filepath.Join(t.TempDir(), "state.json"), logger)
}

func TestSaveLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)

	st := &State{
		Status:           StatusInProgress,
		PackagePath:      "/opt/updates/package",
		Description:      "round trip test",
		CompletedActions: []int{0, 1},
	}
	if err := s.Save(st); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected non-nil state after save")
	}
	if loaded.Status != st.Status || loaded.PackagePath != st.PackagePath || loaded.Description != st.Description {
		t.Fatalf("loaded state does not match saved state: %+v vs %+v", loaded, st)
	}
	if len(loaded.CompletedActions) != 2 || loaded.CompletedActions[0] != 0 || loaded.CompletedActions[1] != 1 {
		t.Fatalf("unexpected completed actions: %v", loaded.CompletedActions)
	}
	if loaded.Checksum == "" {
		t.Fatal("expected a non-empty checksum to have been persisted")
	}
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Load()
	if err != nil {
		t.Fatalf("expected no error for a missing state file, got %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state for a missing file, got %+v", st)
	}
}

func TestLoadCorruptedChecksumReturnsNil(t *testing.T) {
	s := newTestStore(t)

	st := &State{Status: StatusInProgress, PackagePath: "/pkg", Description: "will be corrupted"}
	if err := s.Save(st); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	flipped := make([]byte, len(data))
	copy(flipped, data)
	for i, b := range flipped {
		if b == 'i' {
			flipped[i] = 'I'
			break
		}
	}
	if err := os.WriteFile(s.path, flipped, 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("expected corrupted state to surface as (nil, nil), got error %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil state after a checksum mismatch, got %+v", loaded)
	}
}

func TestLoadTruncatedJSONReturnsNil(t *testing.T) {
	s := newTestStore(t)

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path, []byte("{not valid json"), 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("expected a parse failure to surface as (nil, nil), got error %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil state for unparseable JSON, got %+v", loaded)
	}
}

func TestMarkActionCompleteAndHasCompleted(t *testing.T) {
	s := newTestStore(t)

	st := &State{Status: StatusInProgress, PackagePath: "/pkg"}
	if err := s.MarkActionStarted(st, 0, "first-step"); err != nil {
		t.Fatal(err)
	}
	if st.CurrentActionName != "first-step" || st.CurrentAction == nil || *st.CurrentAction != 0 {
		t.Fatalf("unexpected state after MarkActionStarted: %+v", st)
	}

	if err := s.MarkActionComplete(st, 0); err != nil {
		t.Fatal(err)
	}
	if !st.HasCompleted(0) {
		t.Fatal("expected action 0 to be recorded complete")
	}
	if st.HasCompleted(1) {
		t.Fatal("action 1 was never marked complete")
	}

	reloaded, err := s.Load()
	if err != nil || reloaded == nil {
		t.Fatalf("expected persisted state after MarkActionComplete, got %v / %v", reloaded, err)
	}
	if !reloaded.HasCompleted(0) {
		t.Fatal("expected persisted state to retain completed action 0")
	}
}

func TestIsUpdateInProgress(t *testing.T) {
	if IsUpdateInProgress(nil) {
		t.Fatal("nil state is never in progress")
	}
	if IsUpdateInProgress(&State{Status: StatusCompleted}) {
		t.Fatal("completed state is not in progress")
	}
	if !IsUpdateInProgress(&State{Status: StatusInProgress}) {
		t.Fatal("in_progress state should report in progress")
	}
}

func TestClearRemovesStateFile(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(&State{Status: StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("expected clear to succeed, got %v", err)
	}

	loaded, err := s.Load()
	if err != nil || loaded != nil {
		t.Fatalf("expected no state after Clear, got %v / %v", loaded, err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("expected clearing an already-absent state file to be a no-op, got %v", err)
	}
}
