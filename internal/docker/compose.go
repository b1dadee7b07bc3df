package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"go.uber.org/zap"
)

// ComposeProject is the subset of a parsed compose file this orchestrator
// cares about: enough to validate external dependencies before handing the
// file to a `docker compose` subprocess.
type ComposeProject struct {
	Name     string
	Services composetypes.Services
	Networks composetypes.Networks
	Volumes  composetypes.Volumes
}

// LoadComposeFile parses a compose file (plus a sibling .env, if present)
// using the same loader `docker compose` itself is built on, so a manifest's
// docker_compose_up/down action fails at validation time rather than at
// subprocess time on a malformed file.
func (c *Client) LoadComposeFile(ctx context.Context, path string) (*ComposeProject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compose file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	envMap := make(map[string]string)
	if envData, err := os.ReadFile(envFile); err == nil {
		envMap = parseEnvFile(envData)
	}

	configDetails := composetypes.ConfigDetails{
		WorkingDir: filepath.Dir(path),
		ConfigFiles: []composetypes.ConfigFile{
			{Filename: path, Content: data},
		},
		Environment: envMap,
	}

	project, err := loader.Load(configDetails)
	if err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}

	c.logger.Info("compose file loaded",
		zap.String("project", project.Name),
		zap.Int("services", len(project.Services)),
	)

	return &ComposeProject{
		Name:     project.Name,
		Services: project.Services,
		Networks: project.Networks,
		Volumes:  project.Volumes,
	}, nil
}

// ValidateComposeProject confirms every external network/volume the project
// references already exists, so `docker compose up` doesn't fail partway
// through bringing up services.
func (c *Client) ValidateComposeProject(ctx context.Context, project *ComposeProject) error {
	for name, netConfig := range project.Networks {
		if !netConfig.External {
			continue
		}
		externalName := name
		if netConfig.Name != "" {
			externalName = netConfig.Name
		}
		exists, err := c.NetworkExists(ctx, externalName)
		if err != nil {
			return fmt.Errorf("checking external network %s: %w", name, err)
		}
		if !exists {
			return fmt.Errorf("external network %s not found", externalName)
		}
	}

	for name, volConfig := range project.Volumes {
		if !volConfig.External {
			continue
		}
		externalName := name
		if volConfig.Name != "" {
			externalName = volConfig.Name
		}
		exists, err := c.VolumeExists(ctx, externalName)
		if err != nil {
			return fmt.Errorf("checking external volume %s: %w", name, err)
		}
		if !exists {
			return fmt.Errorf("external volume %s not found", externalName)
		}
	}

	c.logger.Info("compose project validated", zap.String("project", project.Name))
	return nil
}

func parseEnvFile(data []byte) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	return env
}
