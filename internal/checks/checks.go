// Package checks implements the pre/post-update predicates a manifest can
// declare (C4). Each variant either passes or returns a CheckError naming
// the check type and the value observed, never a bare boolean false — the
// caller needs the "why" to decide abort-vs-rollback and to log it.
package checks

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/docker"
	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
)

// CheckError reports that a named check variant failed its predicate.
type CheckError struct {
	Type     string
	Observed string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("check %s failed: %s", e.Type, e.Observed)
}

// Runner executes CheckSpecs, optionally backed by a docker client for the
// docker_running/docker_health variants.
type Runner struct {
	Docker  *docker.Client
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewRunner builds a check Runner. docker may be nil if no docker-backed
// check will ever be invoked (callers that only run file/http/command checks).
func NewRunner(dc *docker.Client, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{Docker: dc, Logger: logger, Metrics: metrics}
}

// Run dispatches on c.Type and records the outcome to Metrics.
func (r *Runner) Run(ctx context.Context, c manifest.CheckSpec) error {
	var err error
	switch c.Type {
	case "disk_space":
		err = r.checkDiskSpace(c)
	case "docker_running":
		err = r.checkDockerRunning(ctx)
	case "file_exists":
		err = r.checkFileExists(c)
	case "docker_health":
		err = r.checkDockerHealth(ctx, c)
	case "http_check":
		err = r.checkHTTP(ctx, c)
	case "service_running":
		err = r.checkServiceRunning(ctx, c)
	case "command":
		err = r.checkCommand(ctx, c)
	default:
		err = fmt.Errorf("checks: unknown check type %q", c.Type)
	}

	outcome := "pass"
	if err != nil {
		outcome = "fail"
	}
	if r.Metrics != nil {
		r.Metrics.RecordCheck(c.Type, outcome)
	}
	return err
}

func (r *Runner) checkDiskSpace(c manifest.CheckSpec) error {
	if _, err := os.Stat(c.Path); os.IsNotExist(err) {
		if err := os.MkdirAll(c.Path, 0755); err != nil {
			return fmt.Errorf("checks: disk_space: failed to create %s: %w", c.Path, err)
		}
	}

	availableMB, err := diskFreeMB(c.Path)
	if err != nil {
		return fmt.Errorf("checks: disk_space: %w", err)
	}

	r.Logger.Info("disk space check",
		zap.String("path", c.Path),
		zap.Float64("available_mb", availableMB),
		zap.Int("required_mb", c.RequiredMB),
	)

	if availableMB < float64(c.RequiredMB) {
		return &CheckError{Type: "disk_space", Observed: fmt.Sprintf(
			"%.0f MB available at %s, %d MB required", availableMB, c.Path, c.RequiredMB)}
	}
	return nil
}

func (r *Runner) checkDockerRunning(ctx context.Context) error {
	if r.Docker == nil {
		return &CheckError{Type: "docker_running", Observed: "no docker client configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := r.Docker.Ping(pingCtx); err != nil {
		return &CheckError{Type: "docker_running", Observed: err.Error()}
	}
	return nil
}

func (r *Runner) checkFileExists(c manifest.CheckSpec) error {
	if _, err := os.Stat(c.Path); err != nil {
		return &CheckError{Type: "file_exists", Observed: fmt.Sprintf("path does not exist: %s", c.Path)}
	}
	return nil
}

func (r *Runner) checkDockerHealth(ctx context.Context, c manifest.CheckSpec) error {
	if r.Docker == nil {
		return &CheckError{Type: "docker_health", Observed: "no docker client configured"}
	}
	container := c.ContainerName
	if container == "" {
		container = c.ContainerID
	}

	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health, running, err := r.Docker.ContainerHealth(healthCtx, container)
	if err != nil {
		return &CheckError{Type: "docker_health", Observed: err.Error()}
	}

	switch health {
	case "healthy":
		return nil
	case "":
		if running {
			return nil
		}
		return &CheckError{Type: "docker_health", Observed: fmt.Sprintf("container %s is not running", container)}
	default:
		return &CheckError{Type: "docker_health", Observed: fmt.Sprintf("container %s health status: %s", container, health)}
	}
}

func (r *Runner) checkHTTP(ctx context.Context, c manifest.CheckSpec) error {
	retries := c.Retries
	if retries <= 0 {
		retries = 1
	}
	delay := time.Duration(c.DelaySeconds) * time.Second
	if c.DelaySeconds == 0 {
		delay = 5 * time.Second
	}
	timeout := time.Duration(c.TimeoutSeconds) * time.Second
	if c.TimeoutSeconds == 0 {
		timeout = 10 * time.Second
	}
	expected := c.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}

	client := &http.Client{Timeout: timeout}
	var lastErr string

	for attempt := 1; attempt <= retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
		if err != nil {
			return fmt.Errorf("checks: http_check: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err.Error()
			r.Logger.Warn("http check attempt failed", zap.String("url", c.URL), zap.Error(err))
		} else {
			resp.Body.Close()
			if resp.StatusCode == expected {
				return nil
			}
			lastErr = fmt.Sprintf("returned %d, expected %d", resp.StatusCode, expected)
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return &CheckError{Type: "http_check", Observed: fmt.Sprintf(
		"%s not accessible after %d attempts: %s", c.URL, retries, lastErr)}
}

func (r *Runner) checkServiceRunning(ctx context.Context, c manifest.CheckSpec) error {
	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "systemctl", "is-active", c.ServiceName)
	out, _ := cmd.Output()

	status := trimNewline(string(out))
	if status != "active" {
		return &CheckError{Type: "service_running", Observed: fmt.Sprintf(
			"%s status: %s", c.ServiceName, status)}
	}
	return nil
}

func (r *Runner) checkCommand(ctx context.Context, c manifest.CheckSpec) error {
	timeout := time.Duration(c.TimeoutSeconds) * time.Second
	if c.TimeoutSeconds == 0 {
		timeout = 30 * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", c.Command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &CheckError{Type: "command", Observed: fmt.Sprintf(
			"%q failed: %v: %s", c.Command, err, trimNewline(string(out)))}
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
