// Package backup implements the content-addressed backup store (C3):
// sequentially named snapshot directories with a metadata.json, a CHECKSUM
// manifest, and a "latest" symlink, grounded directly on
// original_source/src/update_engine/backup.py's BackupManager.
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/checksum"
	"github.com/serkankas/py-offline-updater/internal/observability"
)

var nameRe = regexp.MustCompile(`^backup_(\d+)$`)

// SourceKind distinguishes a backed-up file from a backed-up directory.
type SourceKind string

const (
	KindFile      SourceKind = "file"
	KindDirectory SourceKind = "directory"
)

// SourceRecord describes one backed-up path within metadata.json.
type SourceRecord struct {
	OriginalPath string     `json:"original_path"`
	BackupRelpath string    `json:"backup_relpath"`
	Kind         SourceKind `json:"kind"`
}

// Metadata is the on-disk metadata.json contents for one BackupEntry.
// QuickDigests records a cheap xxhash64 per source's original_path, carried
// forward entry to entry so Create can skip a file's MD5 pass when its
// quick digest hasn't moved since the previous backup.
type Metadata struct {
	CreatedAt    string            `json:"created_at"`
	Sources      []SourceRecord    `json:"sources"`
	Checksums    map[string]string `json:"checksums"`
	QuickDigests map[string]uint64 `json:"quick_digests,omitempty"`
}

// Entry is the summary returned by List.
type Entry struct {
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	CreatedAt string         `json:"created_at"`
	Sources   []SourceRecord `json:"sources"`
}

// Store manages backup creation, restoration, listing, and retention under
// one backup_dir.
type Store struct {
	backupDir string
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewStore creates a Store rooted at backupDir, creating it if necessary.
func NewStore(backupDir string, logger *observability.Logger, metrics *observability.Metrics) (*Store, error) {
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: failed to create backup dir: %w", err)
	}
	return &Store{backupDir: backupDir, logger: logger, metrics: metrics}, nil
}

// Create backs up sources into a new entry (named name, or the next
// sequential name if empty), and returns its path.
func (s *Store) Create(sources []string, name string) (string, error) {
	if name == "" {
		var err error
		name, err = s.nextName()
		if err != nil {
			return "", err
		}
	}

	entryPath := filepath.Join(s.backupDir, name)
	if err := os.MkdirAll(entryPath, 0755); err != nil {
		s.recordOutcome("create", "error")
		return "", fmt.Errorf("backup: failed to create entry dir: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("creating backup", zap.String("name", name))
	}

	var prev Metadata
	_ = readJSON(filepath.Join(s.backupDir, "latest", "metadata.json"), &prev)

	meta := Metadata{
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Sources:      make([]SourceRecord, 0, len(sources)),
		Checksums:    make(map[string]string),
		QuickDigests: make(map[string]uint64),
	}

	for _, source := range sources {
		info, err := os.Lstat(source)
		if err != nil {
			s.recordOutcome("create", "error")
			return "", fmt.Errorf("backup: source not found: %s", source)
		}

		destName := filepath.Base(source)
		destPath := filepath.Join(entryPath, destName)

		if info.IsDir() {
			if err := copyTree(source, destPath); err != nil {
				s.recordOutcome("create", "error")
				return "", fmt.Errorf("backup: failed to copy directory %s: %w", source, err)
			}
			meta.Sources = append(meta.Sources, SourceRecord{
				OriginalPath:  mustAbs(source),
				BackupRelpath: destName,
				Kind:          KindDirectory,
			})
		} else {
			if err := copyFile(source, destPath); err != nil {
				s.recordOutcome("create", "error")
				return "", fmt.Errorf("backup: failed to copy file %s: %w", source, err)
			}
			meta.Sources = append(meta.Sources, SourceRecord{
				OriginalPath:  mustAbs(source),
				BackupRelpath: destName,
				Kind:          KindFile,
			})

			abs := mustAbs(source)
			if qd, err := checksum.QuickDigest(source); err == nil {
				meta.QuickDigests[abs] = qd
				if prevQD, ok := prev.QuickDigests[abs]; ok && prevQD == qd {
					if prevSum, ok := prev.Checksums[destName]; ok {
						meta.Checksums[destName] = prevSum
					}
				}
			}
		}
	}

	if err := writeMetadataChecksums(entryPath, &meta); err != nil {
		s.recordOutcome("create", "error")
		return "", err
	}

	if err := writeJSON(filepath.Join(entryPath, "metadata.json"), meta); err != nil {
		s.recordOutcome("create", "error")
		return "", fmt.Errorf("backup: failed to write metadata.json: %w", err)
	}

	if err := writeChecksumFile(entryPath, meta.Checksums); err != nil {
		s.recordOutcome("create", "error")
		return "", err
	}

	if err := s.updateLatest(name); err != nil {
		s.recordOutcome("create", "error")
		return "", err
	}

	s.recordOutcome("create", "success")
	if s.logger != nil {
		s.logger.Info("backup created", zap.String("name", name), zap.String("path", entryPath))
	}

	return entryPath, nil
}

// Restore restores backupName (default "latest") back to its sources'
// original_path locations, verifying CHECKSUM entries first if verify=true.
func (s *Store) Restore(backupName string, verify bool) error {
	if backupName == "" {
		backupName = "latest"
	}

	entryPath := filepath.Join(s.backupDir, backupName)
	resolved, err := resolveSymlink(entryPath)
	if err != nil {
		s.recordOutcome("restore", "error")
		return fmt.Errorf("backup: %q not found: %w", backupName, err)
	}
	entryPath = resolved

	if _, err := os.Stat(entryPath); err != nil {
		s.recordOutcome("restore", "error")
		return fmt.Errorf("backup: %q not found", backupName)
	}

	var meta Metadata
	if err := readJSON(filepath.Join(entryPath, "metadata.json"), &meta); err != nil {
		s.recordOutcome("restore", "error")
		return fmt.Errorf("backup: failed to read metadata.json: %w", err)
	}

	if verify {
		for relpath, expected := range meta.Checksums {
			full := filepath.Join(entryPath, relpath)
			if !checksum.Verify(full, expected) {
				s.recordOutcome("restore", "integrity_failure")
				observability.ChecksumVerifications.WithLabelValues("backup", "mismatch").Inc()
				return fmt.Errorf("backup: checksum verification failed for %s", relpath)
			}
		}
		observability.ChecksumVerifications.WithLabelValues("backup", "match").Inc()
	}

	for _, src := range meta.Sources {
		backupItem := filepath.Join(entryPath, src.BackupRelpath)

		if _, err := os.Lstat(src.OriginalPath); err == nil {
			if err := os.RemoveAll(src.OriginalPath); err != nil {
				s.recordOutcome("restore", "error")
				return fmt.Errorf("backup: failed to remove existing %s: %w", src.OriginalPath, err)
			}
		}

		if err := os.MkdirAll(filepath.Dir(src.OriginalPath), 0755); err != nil {
			s.recordOutcome("restore", "error")
			return fmt.Errorf("backup: failed to create parent of %s: %w", src.OriginalPath, err)
		}

		if src.Kind == KindFile {
			if err := copyFile(backupItem, src.OriginalPath); err != nil {
				s.recordOutcome("restore", "error")
				return fmt.Errorf("backup: failed to restore file %s: %w", src.OriginalPath, err)
			}
		} else {
			if err := copyTree(backupItem, src.OriginalPath); err != nil {
				s.recordOutcome("restore", "error")
				return fmt.Errorf("backup: failed to restore directory %s: %w", src.OriginalPath, err)
			}
		}
	}

	s.recordOutcome("restore", "success")
	return nil
}

// List returns every backup entry, sorted by directory name, skipping the
// latest symlink itself.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: failed to list %s: %w", s.backupDir, err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		names = append(names, de.Name())
	}
	sort.Strings(names)

	var entries []Entry
	for _, name := range names {
		p := filepath.Join(s.backupDir, name)
		info, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
			continue
		}

		var meta Metadata
		metaPath := filepath.Join(p, "metadata.json")
		if _, err := os.Stat(metaPath); err != nil {
			continue
		}
		if err := readJSON(metaPath, &meta); err != nil {
			continue
		}

		entries = append(entries, Entry{
			Name:      name,
			Path:      p,
			CreatedAt: meta.CreatedAt,
			Sources:   meta.Sources,
		})
	}

	return entries, nil
}

// CleanupOld removes all but the keepLastN most recent entries (by
// created_at, ties broken by name so the highest-numbered entry counts as
// newest). keepLastN==0 disables cleanup entirely.
func (s *Store) CleanupOld(keepLastN int) error {
	if keepLastN == 0 {
		if s.logger != nil {
			s.logger.Info("backup cleanup disabled (keep_last_n=0)")
		}
		return nil
	}

	entries, err := s.List()
	if err != nil {
		return err
	}
	if len(entries) <= keepLastN {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt > entries[j].CreatedAt
		}
		return entries[i].Name > entries[j].Name
	})

	for _, e := range entries[keepLastN:] {
		if s.logger != nil {
			s.logger.Info("removing old backup", zap.String("name", e.Name))
		}
		if err := os.RemoveAll(e.Path); err != nil {
			return fmt.Errorf("backup: failed to remove %s: %w", e.Name, err)
		}
	}

	return nil
}

func (s *Store) nextName() (string, error) {
	dirEntries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "backup_001", nil
		}
		return "", fmt.Errorf("backup: failed to scan backup dir: %w", err)
	}

	max := 0
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		m := nameRe.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}

	return fmt.Sprintf("backup_%03d", max+1), nil
}

func (s *Store) updateLatest(name string) error {
	latest := filepath.Join(s.backupDir, "latest")
	if _, err := os.Lstat(latest); err == nil {
		if err := os.Remove(latest); err != nil {
			return fmt.Errorf("backup: failed to remove existing latest symlink: %w", err)
		}
	}
	if err := os.Symlink(name, latest); err != nil {
		return fmt.Errorf("backup: failed to create latest symlink: %w", err)
	}
	return nil
}

func (s *Store) recordOutcome(op, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordBackup(op, outcome)
	}
}

func resolveSymlink(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return filepath.EvalSymlinks(path)
	}
	return path, nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// writeMetadataChecksums walks entryPath and populates meta.Checksums for
// every regular file except CHECKSUM and metadata.json themselves. A path
// Create already resolved via the quick-digest dirty-check is left alone,
// skipping its MD5 pass entirely.
func writeMetadataChecksums(entryPath string, meta *Metadata) error {
	return filepath.WalkDir(entryPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == "CHECKSUM" || name == "metadata.json" {
			return nil
		}
		rel, err := filepath.Rel(entryPath, path)
		if err != nil {
			return err
		}
		if _, known := meta.Checksums[rel]; known {
			return nil
		}
		sum, err := checksum.MD5(path)
		if err != nil {
			return fmt.Errorf("backup: failed to checksum %s: %w", rel, err)
		}
		meta.Checksums[rel] = sum
		return nil
	})
}

// writeChecksumFile writes the sorted `<md5>  <relpath>` CHECKSUM listing.
func writeChecksumFile(entryPath string, checksums map[string]string) error {
	relpaths := make([]string, 0, len(checksums))
	for rel := range checksums {
		relpaths = append(relpaths, rel)
	}
	sort.Strings(relpaths)

	lines := make([]string, 0, len(relpaths))
	for _, rel := range relpaths {
		lines = append(lines, fmt.Sprintf("%s  %s", checksums[rel], rel))
	}

	content := strings.Join(lines, "\n")
	if err := os.WriteFile(filepath.Join(entryPath, "CHECKSUM"), []byte(content), 0644); err != nil {
		return fmt.Errorf("backup: failed to write CHECKSUM: %w", err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// copyFile copies src to dst, preserving the source file's mode bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return os.Chtimes(dst, time.Now(), info.ModTime())
}

// copyTree recursively copies src to dst, preserving symlinks as symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case d.IsDir():
			return os.MkdirAll(target, info.Mode())
		default:
			return copyFile(path, target)
		}
	})
}
