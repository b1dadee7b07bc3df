package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/serkankas/py-offline-updater/internal/observability"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	base := t.TempDir()
	backupDir := filepath.Join(base, "backups")

	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(backupDir, logger, observability.NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	return s, base
}

func writeSourceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCreateNamesAreStrictlyIncreasing(t *testing.T) {
	s, base := newTestStore(t)
	srcDir := filepath.Join(base, "src")

	var names []string
	for i := 0; i < 3; i++ {
		f := writeSourceFile(t, srcDir, "config.txt", "version")
		path, err := s.Create([]string{f}, "")
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		names = append(names, filepath.Base(path))
	}

	if names[0] != "backup_001" || names[1] != "backup_002" || names[2] != "backup_003" {
		t.Fatalf("expected strictly increasing sequential names, got %v", names)
	}
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	s, base := newTestStore(t)
	srcDir := filepath.Join(base, "src")
	f := writeSourceFile(t, srcDir, "config.txt", "original contents")

	if _, err := s.Create([]string{f}, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := os.WriteFile(f, []byte("mutated contents"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore("latest", true); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	restored, err := os.ReadFile(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != "original contents" {
		t.Fatalf("expected restored contents, got %q", string(restored))
	}
}

func TestRestoreVerifyFailsOnBitFlip(t *testing.T) {
	s, base := newTestStore(t)
	srcDir := filepath.Join(base, "src")
	f := writeSourceFile(t, srcDir, "config.txt", "trustworthy contents")

	entryPath, err := s.Create([]string{f}, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	backedUpFile := filepath.Join(entryPath, "config.txt")
	data, err := os.ReadFile(backedUpFile)
	if err != nil {
		t.Fatal(err)
	}
	flipped := append([]byte{}, data...)
	flipped[0] ^= 0xFF
	if err := os.WriteFile(backedUpFile, flipped, 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore("latest", true); err == nil {
		t.Fatal("expected restore with verify=true to fail after a bit-flip in the backed-up file")
	}

	if err := s.Restore("latest", false); err != nil {
		t.Fatalf("expected restore with verify=false to ignore the corruption, got %v", err)
	}
}

func TestListReturnsEntriesSortedByNameExcludingLatest(t *testing.T) {
	s, base := newTestStore(t)
	srcDir := filepath.Join(base, "src")

	for i := 0; i < 3; i++ {
		f := writeSourceFile(t, srcDir, "config.txt", "v")
		if _, err := s.Create([]string{f}, ""); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(entries), entries)
	}
	for _, e := range entries {
		if e.Name == "latest" {
			t.Fatal("expected the latest symlink to be excluded from List")
		}
	}
	if entries[0].Name != "backup_001" || entries[2].Name != "backup_003" {
		t.Fatalf("expected entries sorted by name, got %v", entries)
	}
}

func TestListOnEmptyStoreReturnsNoEntries(t *testing.T) {
	s, _ := newTestStore(t)

	entries, err := s.List()
	if err != nil {
		t.Fatalf("expected no error listing an empty store, got %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %v", entries)
	}
}

func TestCleanupOldKeepsOnlyMostRecent(t *testing.T) {
	s, base := newTestStore(t)
	srcDir := filepath.Join(base, "src")

	for i := 0; i < 5; i++ {
		f := writeSourceFile(t, srcDir, "config.txt", "v")
		if _, err := s.Create([]string{f}, ""); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.CleanupOld(2); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 surviving entries, got %d: %v", len(entries), entries)
	}
}

func TestCleanupOldZeroIsNoOp(t *testing.T) {
	s, base := newTestStore(t)
	srcDir := filepath.Join(base, "src")

	for i := 0; i < 4; i++ {
		f := writeSourceFile(t, srcDir, "config.txt", "v")
		if _, err := s.Create([]string{f}, ""); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.CleanupOld(0); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected keep_last_n=0 to disable cleanup entirely, got %d entries", len(entries))
	}
}

func TestCreateReusesChecksumForUnchangedFile(t *testing.T) {
	s, base := newTestStore(t)
	srcDir := filepath.Join(base, "src")
	f := writeSourceFile(t, srcDir, "config.txt", "stable contents")

	firstPath, err := s.Create([]string{f}, "")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	var firstMeta Metadata
	if err := readJSON(filepath.Join(firstPath, "metadata.json"), &firstMeta); err != nil {
		t.Fatal(err)
	}

	secondPath, err := s.Create([]string{f}, "")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	var secondMeta Metadata
	if err := readJSON(filepath.Join(secondPath, "metadata.json"), &secondMeta); err != nil {
		t.Fatal(err)
	}

	if firstMeta.Checksums["config.txt"] != secondMeta.Checksums["config.txt"] {
		t.Fatalf("expected an unchanged source to keep the same checksum across backups, got %q vs %q",
			firstMeta.Checksums["config.txt"], secondMeta.Checksums["config.txt"])
	}
}
