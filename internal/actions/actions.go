// Package actions implements the manifest-declared action variants (C5):
// commands, backup/restore, docker compose and image operations, and the
// three file-reconciliation primitives (copy, sync, merge). Each executor
// returns an *ActionError on failure; the engine decides whether
// continue_on_error swallows it.
package actions

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/backup"
	"github.com/serkankas/py-offline-updater/internal/checksum"
	"github.com/serkankas/py-offline-updater/internal/docker"
	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
)

// ActionError reports that a named action variant failed.
type ActionError struct {
	Name string
	Type string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q (%s) failed: %v", e.Name, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Runner executes ActionSpecs against an extracted package root.
type Runner struct {
	PackagePath string
	Backup      *backup.Store
	Docker      *docker.Client
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// NewRunner builds an action Runner rooted at packagePath.
func NewRunner(packagePath string, bk *backup.Store, dc *docker.Client, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{PackagePath: packagePath, Backup: bk, Docker: dc, Logger: logger, Metrics: metrics}
}

// Run dispatches a on its Type, recording duration and outcome metrics, and
// wrapping any failure as an *ActionError naming the step.
func (r *Runner) Run(ctx context.Context, a manifest.ActionSpec) error {
	name := a.Name
	if name == "" {
		name = a.Type
	}
	r.Logger.Info("executing action", zap.String("name", name), zap.String("type", a.Type))

	start := time.Now()
	err := r.dispatch(ctx, a)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		err = &ActionError{Name: name, Type: a.Type, Err: err}
	}
	if r.Metrics != nil {
		r.Metrics.RecordAction(a.Type, outcome, time.Since(start).Seconds())
	}
	return err
}

func (r *Runner) dispatch(ctx context.Context, a manifest.ActionSpec) error {
	switch a.Type {
	case "command":
		return r.actionCommand(ctx, a)
	case "backup":
		return r.actionBackup(a)
	case "restore_backup":
		return r.actionRestoreBackup(a)
	case "docker_compose_down":
		return r.actionComposeDown(ctx, a)
	case "docker_compose_up":
		return r.actionComposeUp(ctx, a)
	case "docker_load":
		return r.actionDockerLoad(ctx, a)
	case "docker_prune":
		return r.actionDockerPrune(ctx, a)
	case "file_copy":
		return r.actionFileCopy(a)
	case "file_sync":
		return r.actionFileSync(a)
	case "file_merge":
		return r.actionFileMerge(a)
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (r *Runner) actionCommand(ctx context.Context, a manifest.ActionSpec) error {
	cwd := a.Cwd
	if cwd == "" {
		cwd = r.PackagePath
	}
	timeout := time.Duration(a.TimeoutSeconds) * time.Second
	if a.TimeoutSeconds == 0 {
		timeout = 300 * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", a.Command)
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q failed: %w: %s", a.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *Runner) actionBackup(a manifest.ActionSpec) error {
	sources := make([]string, len(a.Sources))
	for i, s := range a.Sources {
		sources[i] = r.resolve(s)
	}
	_, err := r.Backup.Create(sources, a.Name)
	return err
}

func (r *Runner) actionRestoreBackup(a manifest.ActionSpec) error {
	name := a.BackupName
	if name == "" {
		name = "latest"
	}
	return r.Backup.Restore(name, true)
}

func (r *Runner) actionComposeDown(ctx context.Context, a manifest.ActionSpec) error {
	composePath := r.resolve(a.ComposeFile)
	if err := r.validateCompose(ctx, composePath); err != nil {
		return err
	}

	timeout := a.TimeoutSeconds
	if timeout == 0 {
		timeout = 60
	}

	cmd := exec.CommandContext(ctx, "docker", "compose", "-f", composePath, "down", "--timeout", fmt.Sprint(timeout))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose down failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *Runner) actionComposeUp(ctx context.Context, a manifest.ActionSpec) error {
	composePath := r.resolve(a.ComposeFile)
	if err := r.validateCompose(ctx, composePath); err != nil {
		return err
	}

	detach := true
	if a.Detach != nil {
		detach = *a.Detach
	}

	args := []string{"compose", "-f", composePath, "up"}
	if detach {
		args = append(args, "-d")
	}
	if a.Build {
		args = append(args, "--build")
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose up failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// validateCompose loads and validates the compose file before the
// subprocess invocation, turning a malformed or unresolvable file into a
// pre-flight failure instead of an opaque non-zero exit.
func (r *Runner) validateCompose(ctx context.Context, composePath string) error {
	if r.Docker == nil {
		return nil
	}
	project, err := r.Docker.LoadComposeFile(ctx, composePath)
	if err != nil {
		return fmt.Errorf("invalid compose file %s: %w", composePath, err)
	}
	return r.Docker.ValidateComposeProject(ctx, project)
}

func (r *Runner) actionDockerLoad(ctx context.Context, a manifest.ActionSpec) error {
	tarPath := r.resolve(a.ImageTar)
	if _, err := os.Stat(tarPath); err != nil {
		return fmt.Errorf("image tar not found: %s", tarPath)
	}
	return r.Docker.LoadImage(ctx, tarPath)
}

func (r *Runner) actionDockerPrune(ctx context.Context, a manifest.ActionSpec) error {
	return r.Docker.PruneImages(ctx, a.All)
}

func (r *Runner) actionFileCopy(a manifest.ActionSpec) error {
	src := r.resolve(a.Source)
	dst := a.Destination

	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("source file not found: %s", src)
	}

	if a.Checksum != "" && !checksum.Verify(src, a.Checksum) {
		return fmt.Errorf("source file checksum mismatch: %s", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := copyFilePreservingMode(src, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	if a.Checksum != "" && !checksum.Verify(dst, a.Checksum) {
		return fmt.Errorf("destination file checksum mismatch: %s", dst)
	}
	return nil
}

func (r *Runner) actionFileSync(a manifest.ActionSpec) error {
	src := r.resolve(a.Source)
	dst := a.Destination

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("source directory not found: %s", src)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", src)
	}

	switch a.Mode {
	case "mirror":
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("failed to clear destination: %w", err)
		}
		return copyDirTree(src, dst, true)
	case "add_only":
		return walkAndCopy(src, dst, func(dstFile string) bool {
			_, err := os.Stat(dstFile)
			return os.IsNotExist(err)
		})
	case "overwrite_existing":
		return walkAndCopy(src, dst, func(dstFile string) bool { return true })
	default:
		return fmt.Errorf("unknown sync mode %q", a.Mode)
	}
}

func (r *Runner) actionFileMerge(a manifest.ActionSpec) error {
	src := r.resolve(a.Source)
	dst := a.Destination

	sourceValues, err := parseEnvFile(src)
	if err != nil {
		return fmt.Errorf("source file not found: %s", src)
	}

	destValues := map[string]string{}
	if _, err := os.Stat(dst); err == nil {
		destValues, err = parseEnvFile(dst)
		if err != nil {
			return fmt.Errorf("failed to parse destination file: %w", err)
		}
	}

	var merged map[string]string
	switch a.Strategy {
	// merge_keys is an alias of keep_existing: destination values win on
	// conflict and source-only keys are added.
	case "keep_existing", "merge_keys":
		merged = mergeMaps(sourceValues, destValues)
	case "overwrite_all":
		merged = mergeMaps(destValues, sourceValues)
	default:
		return fmt.Errorf("unknown merge strategy %q", a.Strategy)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return writeEnvFile(dst, merged)
}

func (r *Runner) resolve(relOrAbs string) string {
	if filepath.IsAbs(relOrAbs) {
		return relOrAbs
	}
	return filepath.Join(r.PackagePath, relOrAbs)
}

func copyFilePreservingMode(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Chtimes(dst, time.Now(), info.ModTime())
}

func copyDirTree(src, dst string, createRoot bool) error {
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
			return os.MkdirAll(target, 0755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return copyFilePreservingMode(path, target)
	})
}

func walkAndCopy(src, dst string, shouldCopy func(dstFile string) bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if !shouldCopy(target) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return copyFilePreservingMode(path, target)
	})
}

func mergeMaps(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func parseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return values, scanner.Err()
}

func writeEnvFile(path string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := values[k]
		if strings.ContainsAny(v, " #") {
			v = `"` + v + `"`
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
