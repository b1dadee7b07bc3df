// Package docker wraps the docker/docker client SDK with the retry/backoff
// and observability idioms used throughout this codebase, trimmed to the
// handful of calls the update orchestrator's check and action executors
// actually need: connectivity, container health, image load, image prune.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/observability"
)

// Client wraps the Docker SDK client with retry and observability.
type Client struct {
	cli    *client.Client
	logger *observability.Logger
	mu     sync.RWMutex
	closed bool
}

// NewClient creates a Docker client and validates connectivity immediately.
func NewClient(logger *observability.Logger, host string) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	dc := &Client{cli: cli, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker client connected successfully")
	return dc, nil
}

// Ping verifies the Docker daemon is reachable; it grounds the docker_running check.
func (c *Client) Ping(ctx context.Context) error {
	cli, err := c.get()
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = cli.Ping(ctx)
	observability.DockerOperationDuration.WithLabelValues("ping").Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// ContainerHealth reports the container's health status, or "" with
// running=true/false when the container defines no healthcheck — matching
// docker_health's "accept when State.Running=true" fallback.
func (c *Client) ContainerHealth(ctx context.Context, nameOrID string) (health string, running bool, err error) {
	cli, err := c.get()
	if err != nil {
		return "", false, err
	}

	start := time.Now()
	inspect, err := cli.ContainerInspect(ctx, nameOrID)
	observability.DockerOperationDuration.WithLabelValues("container_inspect").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", false, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	if inspect.State == nil {
		return "", false, nil
	}
	running = inspect.State.Running
	if inspect.State.Health != nil {
		health = inspect.State.Health.Status
	}
	return health, running, nil
}

// LoadImage streams a tar archive into the daemon via the SDK's image-load
// call, grounding the docker_load action (no `docker load` subprocess).
func (c *Client) LoadImage(ctx context.Context, tarPath string) error {
	cli, err := c.get()
	if err != nil {
		return err
	}

	f, ferr := os.Open(tarPath)
	if ferr != nil {
		return fmt.Errorf("failed to open image tar %s: %w", tarPath, ferr)
	}
	defer f.Close()

	return c.withRetry(ctx, "image_load", 3, func() error {
		start := time.Now()
		resp, err := cli.ImageLoad(ctx, f, true)
		observability.DockerOperationDuration.WithLabelValues("image_load").Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("failed to load image from %s: %w", tarPath, err)
		}
		defer resp.Body.Close()

		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			c.logger.Warn("failed to drain image load response", zap.Error(err))
		}
		return nil
	})
}

// PruneImages removes dangling (or, if all=true, all unused) images,
// grounding the docker_prune action.
func (c *Client) PruneImages(ctx context.Context, all bool) error {
	cli, err := c.get()
	if err != nil {
		return err
	}

	f := filters.NewArgs()
	if !all {
		f.Add("dangling", "true")
	}

	start := time.Now()
	report, err := cli.ImagesPrune(ctx, f)
	observability.DockerOperationDuration.WithLabelValues("image_prune").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to prune images: %w", err)
	}

	c.logger.Info("pruned images",
		zap.Int("count", len(report.ImagesDeleted)),
		zap.Uint64("space_reclaimed", report.SpaceReclaimed),
	)
	return nil
}

// NetworkExists reports whether an external network by that name exists.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	cli, err := c.get()
	if err != nil {
		return false, err
	}
	_, err = cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	return true, nil
}

// VolumeExists reports whether an external volume by that name exists.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	cli, err := c.get()
	if err != nil {
		return false, err
	}
	_, err = cli.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect volume %s: %w", name, err)
	}
	return true, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.cli.Close()
}

func (c *Client) get() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("docker client is closed")
	}
	return c.cli, nil
}

// withRetry executes fn with exponential backoff (1s, doubling, capped at
// 1m) for operations that fail with a transient daemon-socket error.
func (c *Client) withRetry(ctx context.Context, operation string, maxRetries int, fn func() error) error {
	backoff := time.Second
	const maxBackoff = time.Minute

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				observability.RetryAttempts.WithLabelValues(operation, "cancelled").Inc()
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			c.logger.Info("retrying docker operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
			)
		}

		if err := fn(); err != nil {
			lastErr = err
			if !isRetriableError(err) {
				observability.RetryAttempts.WithLabelValues(operation, "permanent_failure").Inc()
				return err
			}
			observability.RetryAttempts.WithLabelValues(operation, "retry").Inc()
			continue
		}

		if attempt > 0 {
			observability.RetryAttempts.WithLabelValues(operation, "success_after_retry").Inc()
		}
		return nil
	}

	observability.RetryAttempts.WithLabelValues(operation, "exhausted").Inc()
	return fmt.Errorf("operation %s failed after %d retries: %w", operation, maxRetries, lastErr)
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, pattern := range []string{
		"connection refused", "connection reset", "timeout",
		"temporary failure", "TLS handshake timeout", "EOF", "broken pipe",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
