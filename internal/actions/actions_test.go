package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
)

func newRunner(t *testing.T, packagePath string) *Runner {
	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatal(err)
	}
	return NewRunner(packagePath, nil, nil, logger, observability.NewMetrics())
}

func TestActionCommandSuccessAndFailure(t *testing.T) {
	r := newRunner(t, t.TempDir())

	if err := r.Run(context.Background(), manifest.ActionSpec{Type: "command", Command: "true"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := r.Run(context.Background(), manifest.ActionSpec{Type: "command", Command: "false"}); err == nil {
		t.Fatal("expected failure")
	}
}

func TestActionFileCopy(t *testing.T) {
	pkg := t.TempDir()
	destDir := t.TempDir()

	src := filepath.Join(pkg, "config.txt")
	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(destDir, "nested", "config.txt")
	r := newRunner(t, pkg)

	err := r.Run(context.Background(), manifest.ActionSpec{
		Type: "file_copy", Source: "config.txt", Destination: dst,
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestActionFileSyncModes(t *testing.T) {
	pkg := t.TempDir()
	srcDir := filepath.Join(pkg, "src")
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("new-a"), 0644)
	os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("new-b"), 0644)

	dstDir := t.TempDir()
	os.WriteFile(filepath.Join(dstDir, "a.txt"), []byte("existing-a"), 0644)

	r := newRunner(t, pkg)

	if err := r.Run(context.Background(), manifest.ActionSpec{
		Type: "file_sync", Source: "src", Destination: dstDir, Mode: "add_only",
	}); err != nil {
		t.Fatalf("add_only failed: %v", err)
	}

	if data, _ := os.ReadFile(filepath.Join(dstDir, "a.txt")); string(data) != "existing-a" {
		t.Fatalf("add_only overwrote existing file: %q", data)
	}
	if data, _ := os.ReadFile(filepath.Join(dstDir, "b.txt")); string(data) != "new-b" {
		t.Fatalf("add_only did not add new file: %q", data)
	}

	if err := r.Run(context.Background(), manifest.ActionSpec{
		Type: "file_sync", Source: "src", Destination: dstDir, Mode: "overwrite_existing",
	}); err != nil {
		t.Fatalf("overwrite_existing failed: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dstDir, "a.txt")); string(data) != "new-a" {
		t.Fatalf("overwrite_existing did not overwrite: %q", data)
	}
}

func TestActionFileMergeStrategies(t *testing.T) {
	pkg := t.TempDir()
	src := filepath.Join(pkg, "source.env")
	os.WriteFile(src, []byte("A=1\nB=2\n"), 0644)

	destDir := t.TempDir()
	dst := filepath.Join(destDir, "dest.env")
	os.WriteFile(dst, []byte("B=99\nC=3\n"), 0644)

	r := newRunner(t, pkg)

	if err := r.Run(context.Background(), manifest.ActionSpec{
		Type: "file_merge", Source: "source.env", Destination: dst, Strategy: "keep_existing",
	}); err != nil {
		t.Fatalf("keep_existing failed: %v", err)
	}
	merged, err := parseEnvFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if merged["B"] != "99" {
		t.Fatalf("keep_existing should preserve destination value, got %q", merged["B"])
	}
	if merged["A"] != "1" {
		t.Fatalf("keep_existing should add new source keys, got %q", merged["A"])
	}

	os.WriteFile(dst, []byte("B=99\nC=3\n"), 0644)
	if err := r.Run(context.Background(), manifest.ActionSpec{
		Type: "file_merge", Source: "source.env", Destination: dst, Strategy: "overwrite_all",
	}); err != nil {
		t.Fatalf("overwrite_all failed: %v", err)
	}
	merged, _ = parseEnvFile(dst)
	if merged["B"] != "2" {
		t.Fatalf("overwrite_all should let source win, got %q", merged["B"])
	}
	if merged["C"] != "3" {
		t.Fatalf("overwrite_all should retain destination-only keys, got %q", merged["C"])
	}
}

func TestActionUnknownType(t *testing.T) {
	r := newRunner(t, t.TempDir())
	if err := r.Run(context.Background(), manifest.ActionSpec{Type: "not_a_real_action"}); err == nil {
		t.Fatal("expected error for unknown action type")
	}
}
