// Package bootstrap implements the outermost sequence that runs once per
// invocation, before the engine ever touches a manifest (C7): detect a
// crashed prior run, extract the archive, gate on the required engine
// version (upgrading and demanding a restart if the running engine is too
// old), verify engine integrity with a backup-directory fallback, then hand
// off to the engine.
package bootstrap

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/backup"
	"github.com/serkankas/py-offline-updater/internal/checksum"
	"github.com/serkankas/py-offline-updater/internal/config"
	"github.com/serkankas/py-offline-updater/internal/docker"
	"github.com/serkankas/py-offline-updater/internal/engine"
	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
	"github.com/serkankas/py-offline-updater/internal/semver"
	"github.com/serkankas/py-offline-updater/internal/state"
)

// ErrRestartRequired signals that an engine upgrade was installed and the
// caller must exit and relaunch rather than continue in this process — two
// engine versions must never be mixed within one run.
var ErrRestartRequired = errors.New("bootstrap: engine upgraded, restart required")

// CurrentEngineVersion is the version of the engine logic compiled into
// this binary. Bumped alongside any change to internal/engine's semantics.
const CurrentEngineVersion = "1.0.0"

// Bootstrap runs the extraction/version-gate/handoff sequence for one
// archive against a configured base directory.
type Bootstrap struct {
	Config  *config.Config
	Docker  *docker.Client
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// New builds a Bootstrap.
func New(cfg *config.Config, dc *docker.Client, logger *observability.Logger, metrics *observability.Metrics) *Bootstrap {
	return &Bootstrap{Config: cfg, Docker: dc, Logger: logger, Metrics: metrics}
}

// ResumeDecision tells Run what to do when it finds a crashed prior update.
type ResumeDecision string

const (
	DecisionContinue ResumeDecision = "continue"
	DecisionRollback ResumeDecision = "rollback"
)

// Run executes the full bootstrap sequence against archivePath. decide is
// invoked only when a crashed update's state is found, letting a CLI prompt
// the operator and the job façade apply its configured OnIncomplete policy
// without either caller reimplementing the probe.
func (b *Bootstrap) Run(ctx context.Context, archivePath string, decide func() ResumeDecision) (string, error) {
	stateStore := state.NewStore(b.Config.StateFile, b.Logger)

	existing, err := stateStore.Load()
	if err != nil {
		return "", err
	}

	if state.IsUpdateInProgress(existing) {
		b.Logger.Warn("incomplete update found", zap.String("description", existing.Description))
		if decide() == DecisionRollback {
			return "", b.handleRollback(ctx, stateStore, existing)
		}
		b.Logger.Info("continuing incomplete update")
	}

	extracted, err := b.extractPackage(archivePath)
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(extracted, "manifest.yml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("bootstrap: failed to read manifest: %w", err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return "", err
	}

	if err := b.gateEngineVersion(m, extracted); err != nil {
		return "", err
	}

	if err := b.verifyInstalledEngine(); err != nil {
		return "", err
	}

	return extracted, nil
}

// HandOff constructs and runs the engine over an already-gated package path.
func (b *Bootstrap) HandOff(ctx context.Context, extractedPath string, bk *backup.Store) (engine.Phase, error) {
	data, err := os.ReadFile(filepath.Join(extractedPath, "manifest.yml"))
	if err != nil {
		return engine.PhaseFailed, err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return engine.PhaseFailed, err
	}

	stateStore := state.NewStore(b.Config.StateFile, b.Logger)
	e := engine.New(extractedPath, m, stateStore, bk, b.Docker, b.Logger, b.Metrics)

	phase, err := e.Run(ctx)
	if err == nil {
		b.cleanupTemp(extractedPath)
	}
	return phase, err
}

// RollbackCurrent rolls back whatever package path the state file last
// recorded, regardless of whether that job crashed mid-run or already
// finished — the entry point the job façade's rollback route uses.
func (b *Bootstrap) RollbackCurrent(ctx context.Context) error {
	stateStore := state.NewStore(b.Config.StateFile, b.Logger)
	st, err := stateStore.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("bootstrap: no recorded job to roll back")
	}
	return b.handleRollback(ctx, stateStore, st)
}

func (b *Bootstrap) handleRollback(ctx context.Context, stateStore *state.Store, st *state.State) error {
	if st.PackagePath == "" {
		return fmt.Errorf("bootstrap: no package_path recorded for rollback")
	}
	if _, err := os.Stat(st.PackagePath); err != nil {
		return fmt.Errorf("bootstrap: recorded package path not found: %s", st.PackagePath)
	}

	data, err := os.ReadFile(filepath.Join(st.PackagePath, "manifest.yml"))
	if err != nil {
		return fmt.Errorf("bootstrap: failed to reread manifest for rollback: %w", err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return err
	}

	bk, err := backup.NewStore(b.Config.BackupDir, b.Logger, b.Metrics)
	if err != nil {
		return err
	}

	e := engine.New(st.PackagePath, m, stateStore, bk, b.Docker, b.Logger, b.Metrics)
	if err := e.Rollback(ctx); err != nil {
		return fmt.Errorf("bootstrap: rollback failed: %w", err)
	}
	return stateStore.Clear()
}

// extractPackage unpacks a gzip-compressed tar archive into a clean temp dir.
func (b *Bootstrap) extractPackage(archivePath string) (string, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return "", fmt.Errorf("bootstrap: package file not found: %s", archivePath)
	}

	if err := os.RemoveAll(b.Config.TempDir); err != nil {
		return "", fmt.Errorf("bootstrap: failed to clean temp directory: %w", err)
	}
	if err := os.MkdirAll(b.Config.TempDir, 0755); err != nil {
		return "", fmt.Errorf("bootstrap: failed to create temp directory: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("bootstrap: failed to open package: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("bootstrap: failed to decompress package: %w", err)
	}
	defer gz.Close()

	if err := extractTar(gz, b.Config.TempDir); err != nil {
		return "", fmt.Errorf("bootstrap: failed to extract package: %w", err)
	}

	b.Logger.Info("package extracted", zap.String("to", b.Config.TempDir))
	return b.Config.TempDir, nil
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// gateEngineVersion compares the running engine's version against the
// manifest's requirement, installing an upgrade from the archive's
// update_engine/ subtree and signaling ErrRestartRequired if one was needed.
func (b *Bootstrap) gateEngineVersion(m *manifest.Manifest, extracted string) error {
	current, err := semver.Parse(CurrentEngineVersion)
	if err != nil {
		return err
	}
	required, err := semver.Parse(m.RequiredEngineVersion)
	if err != nil {
		return fmt.Errorf("bootstrap: invalid required_engine_version %q: %w", m.RequiredEngineVersion, err)
	}

	if semver.AtLeast(current, required) {
		b.Logger.Info("engine version satisfied",
			zap.String("current", current.String()), zap.String("required", required.String()))
		return nil
	}

	b.Logger.Info("engine upgrade required",
		zap.String("current", current.String()), zap.String("required", required.String()))

	enginePackage := filepath.Join(extracted, "update_engine")
	if _, err := os.Stat(enginePackage); err != nil {
		return fmt.Errorf("bootstrap: engine upgrade required but update_engine/ not found in package "+
			"(required=%s current=%s)", required, current)
	}

	if err := verifyEngineChecksum(enginePackage, b.Logger); err != nil {
		b.Logger.Error("new engine package is corrupted", zap.Error(err))
		if fallback := b.findValidEngine(); fallback != "" && fallback != b.Config.EngineDir {
			b.Logger.Info("falling back to valid engine", zap.String("path", fallback))
			if err := replaceDir(fallback, b.Config.EngineDir); err != nil {
				b.Logger.Warn("failed to restore fallback engine", zap.Error(err))
			}
		}
		return fmt.Errorf("bootstrap: engine package corrupted, cannot install required=%s current=%s", required, current)
	}

	b.warnOnChecksumManifestMismatch(extracted, enginePackage)

	backupDir := filepath.Join(filepath.Dir(b.Config.EngineDir), "engine_backup_"+current.String())
	if _, err := os.Stat(b.Config.EngineDir); err == nil {
		if err := replaceDir(b.Config.EngineDir, backupDir); err != nil {
			return fmt.Errorf("bootstrap: failed to back up current engine: %w", err)
		}
	}

	if err := replaceDir(enginePackage, b.Config.EngineDir); err != nil {
		return fmt.Errorf("bootstrap: failed to install new engine: %w", err)
	}

	b.Logger.Warn("engine upgraded, restart required", zap.String("installed", required.String()))
	return ErrRestartRequired
}

// warnOnChecksumManifestMismatch cross-checks engine files against an
// optional checksums.md5 manifest shipped alongside the package, logging
// (not failing) on mismatch — supplementing the engine's own CHECKSUM gate
// with a second, best-effort cross-check as the original tooling did.
func (b *Bootstrap) warnOnChecksumManifestMismatch(extracted, enginePackage string) {
	checksumsFile := filepath.Join(extracted, "checksums.md5")
	data, err := os.ReadFile(checksumsFile)
	if err != nil {
		return
	}

	expected := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		expected[fields[1]] = fields[0]
	}

	filepath.Walk(enginePackage, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(extracted, path)
		if relErr != nil {
			return nil
		}
		if want, ok := expected[rel]; ok && !checksum.Verify(path, want) {
			b.Logger.Warn("checksum mismatch against checksums.md5, continuing", zap.String("path", rel))
		}
		return nil
	})
}

// verifyInstalledEngine checks the currently installed engine, falling back
// to the newest engine_backup_* directory that verifies.
func (b *Bootstrap) verifyInstalledEngine() error {
	if err := verifyEngineChecksum(b.Config.EngineDir, b.Logger); err == nil {
		return nil
	}

	fallback := b.findValidEngine()
	if fallback == "" {
		return fmt.Errorf("bootstrap: no valid engine found")
	}
	if fallback == b.Config.EngineDir {
		return nil
	}

	b.Logger.Info("restoring fallback engine", zap.String("path", fallback))
	return replaceDir(fallback, b.Config.EngineDir)
}

// findValidEngine searches engine_backup_* directories newest-first by raw
// directory name sort (not semver-aware — matching the fallback search this
// was distilled from) for one whose CHECKSUM verifies.
func (b *Bootstrap) findValidEngine() string {
	if _, err := os.Stat(b.Config.EngineDir); err == nil {
		if verifyEngineChecksum(b.Config.EngineDir, b.Logger) == nil {
			return b.Config.EngineDir
		}
	}

	parent := filepath.Dir(b.Config.EngineDir)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return ""
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "engine_backup_") {
			candidates = append(candidates, filepath.Join(parent, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))

	for _, dir := range candidates {
		if verifyEngineChecksum(dir, b.Logger) == nil {
			return dir
		}
	}
	return ""
}

// verifyEngineChecksum checks enginePath's CHECKSUM file. A missing
// CHECKSUM file is treated as valid, matching the leniency this was
// distilled from.
func verifyEngineChecksum(enginePath string, logger *observability.Logger) error {
	checksumFile := filepath.Join(enginePath, "CHECKSUM")
	data, err := os.ReadFile(checksumFile)
	if os.IsNotExist(err) {
		logger.Warn("no CHECKSUM file found, treating engine as valid", zap.String("path", enginePath))
		return nil
	}
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			fields = strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
		}
		expected, relPath := fields[0], fields[1]
		filePath := filepath.Join(enginePath, relPath)

		if _, err := os.Stat(filePath); err != nil {
			return fmt.Errorf("engine file missing: %s", relPath)
		}
		if !checksum.Verify(filePath, expected) {
			return fmt.Errorf("engine checksum mismatch: %s", relPath)
		}
	}
	return nil
}

func (b *Bootstrap) cleanupTemp(path string) {
	if err := os.RemoveAll(path); err != nil {
		b.Logger.Warn("failed to clean up temp directory", zap.Error(err))
	}
}

func replaceDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return copyDir(src, dst)
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
