package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/serkankas/py-offline-updater/internal/backup"
	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
	"github.com/serkankas/py-offline-updater/internal/state"
)

func newTestEngine(t *testing.T, m *manifest.Manifest) (*Engine, string) {
	t.Helper()

	base := t.TempDir()
	pkgPath := filepath.Join(base, "package")
	if err := os.MkdirAll(pkgPath, 0755); err != nil {
		t.Fatal(err)
	}

	backupDir := filepath.Join(base, "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatal(err)
	}

	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics()

	bk, err := backup.NewStore(backupDir, logger, metrics)
	if err != nil {
		t.Fatal(err)
	}

	st := state.NewStore(filepath.Join(base, "state.json"), logger)

	return New(pkgPath, m, st, bk, nil, logger, metrics), pkgPath
}

func TestEngineRunsActionsAndCompletes(t *testing.T) {
	m := &manifest.Manifest{
		Description:           "test update",
		Date:                  "2026-01-01",
		RequiredEngineVersion: "1.0.0",
		Actions: []manifest.ActionSpec{
			{Type: "command", Name: "touch-marker", Command: "touch marker.txt"},
		},
	}

	e, pkgPath := newTestEngine(t, m)

	phase, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if phase != PhaseComplete {
		t.Fatalf("expected PhaseComplete, got %s", phase)
	}

	if _, err := os.Stat(filepath.Join(pkgPath, "marker.txt")); err != nil {
		t.Fatalf("expected action side effect to exist: %v", err)
	}

	st, err := e.State.Load()
	if err != nil || st == nil {
		t.Fatalf("expected persisted state, got %v / %v", st, err)
	}
	if st.Status != state.StatusCompleted {
		t.Fatalf("expected completed status, got %s", st.Status)
	}
}

func TestEngineResumesFromCrash(t *testing.T) {
	m := &manifest.Manifest{
		Description:           "resumable update",
		Date:                  "2026-01-01",
		RequiredEngineVersion: "1.0.0",
		Actions: []manifest.ActionSpec{
			{Type: "command", Name: "step-0", Command: "touch step0.txt"},
			{Type: "command", Name: "step-1", Command: "touch step1.txt"},
		},
	}

	e, pkgPath := newTestEngine(t, m)

	crashed := &state.State{
		Status:           state.StatusInProgress,
		PackagePath:      pkgPath,
		Description:      m.Description,
		CompletedActions: []int{0},
	}
	if err := e.State.Save(crashed); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgPath, "step0.txt"), []byte("done"), 0644); err != nil {
		t.Fatal(err)
	}

	phase, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("expected resumed success, got %v", err)
	}
	if phase != PhaseComplete {
		t.Fatalf("expected PhaseComplete, got %s", phase)
	}
	if _, err := os.Stat(filepath.Join(pkgPath, "step1.txt")); err != nil {
		t.Fatalf("expected step1 side effect after resume: %v", err)
	}
}

func TestEngineFailureWithoutAutoRollback(t *testing.T) {
	m := &manifest.Manifest{
		Description:           "failing update",
		Date:                  "2026-01-01",
		RequiredEngineVersion: "1.0.0",
		Actions: []manifest.ActionSpec{
			{Type: "command", Name: "bad-step", Command: "false"},
		},
	}

	e, _ := newTestEngine(t, m)

	phase, err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if phase != PhaseFailed {
		t.Fatalf("expected PhaseFailed, got %s", phase)
	}

	st, err := e.State.Load()
	if err != nil || st == nil {
		t.Fatalf("expected persisted state, got %v / %v", st, err)
	}
	if st.Status != state.StatusFailed {
		t.Fatalf("expected failed status, got %s", st.Status)
	}
}

func TestEngineContinueOnErrorSwallowsFailure(t *testing.T) {
	m := &manifest.Manifest{
		Description:           "tolerant update",
		Date:                  "2026-01-01",
		RequiredEngineVersion: "1.0.0",
		Actions: []manifest.ActionSpec{
			{Type: "command", Name: "ignorable", Command: "false", ContinueOnError: true},
			{Type: "command", Name: "touch-marker", Command: "touch marker.txt"},
		},
	}

	e, pkgPath := newTestEngine(t, m)

	phase, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("expected success despite first step failing, got %v", err)
	}
	if phase != PhaseComplete {
		t.Fatalf("expected PhaseComplete, got %s", phase)
	}
	if _, err := os.Stat(filepath.Join(pkgPath, "marker.txt")); err != nil {
		t.Fatalf("expected second action to still run: %v", err)
	}
}
