// Package manifest parses and validates the YAML document describing one
// update. Parsing rejects a manifest missing required top-level fields or
// carrying a check/action with a missing variant-specific field — the
// per-variant records are enforced here, at load time, rather than being
// discovered as a nil-pointer or empty-string surprise mid-execution.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// CheckSpec is the as-parsed representation of one Check descriptor. Only
// the fields relevant to Type are populated; internal/checks turns this into
// a concrete, typed Check via a dispatch over Type.
type CheckSpec struct {
	Type string `yaml:"type"`

	// disk_space
	Path         string `yaml:"path"`
	RequiredMB   int    `yaml:"required_mb"`

	// docker_health
	ContainerName string `yaml:"container_name"`
	ContainerID   string `yaml:"container_id"`

	// http_check
	URL            string `yaml:"url"`
	ExpectedStatus int    `yaml:"expected_status"`
	Retries        int    `yaml:"retries"`
	DelaySeconds   int    `yaml:"delay"`
	TimeoutSeconds int    `yaml:"timeout"`

	// service_running
	ServiceName string `yaml:"service_name"`

	// command
	Command string `yaml:"command"`
}

// ActionSpec is the as-parsed representation of one Action descriptor.
type ActionSpec struct {
	Type            string `yaml:"type"`
	Name            string `yaml:"name"`
	ContinueOnError bool   `yaml:"continue_on_error"`

	// command
	Command        string `yaml:"command"`
	Cwd            string `yaml:"cwd"`
	TimeoutSeconds int    `yaml:"timeout"`

	// backup / restore_backup
	Sources    []string `yaml:"sources"`
	BackupName string   `yaml:"backup_name"`

	// docker_compose_down / docker_compose_up
	ComposeFile string `yaml:"compose_file"`
	Detach      *bool  `yaml:"detach"`
	Build       bool   `yaml:"build"`

	// docker_load
	ImageTar string `yaml:"image_tar"`

	// docker_prune
	All   bool  `yaml:"all"`
	Force *bool `yaml:"force"`

	// file_copy / file_sync / file_merge
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Checksum    string `yaml:"checksum"`
	Mode        string `yaml:"mode"`
	Strategy    string `yaml:"strategy"`
}

// RollbackConfig describes whether and how to roll back on failure.
type RollbackConfig struct {
	Enabled              bool         `yaml:"enabled"`
	AutoRollbackOnFailure bool        `yaml:"auto_rollback_on_failure"`
	Steps                []ActionSpec `yaml:"steps"`
}

// CleanupConfig describes post-success housekeeping. KeepLastN is a pointer
// so an explicit keep_last_n: 0 (no-op retention) can be told apart from the
// key being absent from the manifest (default retention).
type CleanupConfig struct {
	RemoveOldBackups bool `yaml:"remove_old_backups"`
	KeepLastN        *int `yaml:"keep_last_n"`
	RemoveOldImages  bool `yaml:"remove_old_images"`
}

// Manifest is the fully parsed, validated update description.
type Manifest struct {
	Description           string `yaml:"description"`
	Date                  string `yaml:"date"`
	RequiredEngineVersion string `yaml:"required_engine_version"`

	PreChecks  []CheckSpec  `yaml:"pre_checks"`
	PostChecks []CheckSpec  `yaml:"post_checks"`
	Actions    []ActionSpec `yaml:"actions"`

	Rollback RollbackConfig `yaml:"rollback"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

var validCheckTypes = map[string]bool{
	"disk_space": true, "docker_running": true, "file_exists": true,
	"docker_health": true, "http_check": true, "service_running": true, "command": true,
}

var validActionTypes = map[string]bool{
	"command": true, "backup": true, "restore_backup": true,
	"docker_compose_down": true, "docker_compose_up": true,
	"docker_load": true, "docker_prune": true,
	"file_copy": true, "file_sync": true, "file_merge": true,
}

// Parse parses and validates a manifest document. Unknown top-level keys are
// ignored by yaml.Unmarshal already; unknown check/action `type` values are
// rejected here rather than left to surface as an execution-time dispatch
// failure, since the manifest schema is known in full up front.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: invalid YAML: %w", err)
	}

	if m.Description == "" {
		return nil, fmt.Errorf("manifest: missing required field 'description'")
	}
	if m.Date == "" {
		return nil, fmt.Errorf("manifest: missing required field 'date'")
	}
	if m.RequiredEngineVersion == "" {
		return nil, fmt.Errorf("manifest: missing required field 'required_engine_version'")
	}

	for i, c := range m.PreChecks {
		if err := validateCheck(c); err != nil {
			return nil, fmt.Errorf("manifest: pre_checks[%d]: %w", i, err)
		}
	}
	for i, c := range m.PostChecks {
		if err := validateCheck(c); err != nil {
			return nil, fmt.Errorf("manifest: post_checks[%d]: %w", i, err)
		}
	}
	for i, a := range m.Actions {
		if err := validateAction(a); err != nil {
			return nil, fmt.Errorf("manifest: actions[%d]: %w", i, err)
		}
	}
	for i, a := range m.Rollback.Steps {
		if err := validateAction(a); err != nil {
			return nil, fmt.Errorf("manifest: rollback.steps[%d]: %w", i, err)
		}
	}

	if m.Actions == nil {
		m.Actions = []ActionSpec{}
	}

	return &m, nil
}

func validateCheck(c CheckSpec) error {
	if !validCheckTypes[c.Type] {
		return fmt.Errorf("unknown check type %q", c.Type)
	}
	switch c.Type {
	case "disk_space":
		if c.Path == "" {
			return fmt.Errorf("disk_space check requires 'path'")
		}
	case "docker_health":
		if c.ContainerName == "" && c.ContainerID == "" {
			return fmt.Errorf("docker_health check requires 'container_name' or 'container_id'")
		}
	case "http_check":
		if c.URL == "" {
			return fmt.Errorf("http_check requires 'url'")
		}
	case "file_exists":
		if c.Path == "" {
			return fmt.Errorf("file_exists check requires 'path'")
		}
	case "service_running":
		if c.ServiceName == "" {
			return fmt.Errorf("service_running check requires 'service_name'")
		}
	case "command":
		if c.Command == "" {
			return fmt.Errorf("command check requires 'command'")
		}
	}
	return nil
}

func validateAction(a ActionSpec) error {
	if !validActionTypes[a.Type] {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	switch a.Type {
	case "command":
		if a.Command == "" {
			return fmt.Errorf("command action requires 'command'")
		}
	case "backup":
		if len(a.Sources) == 0 {
			return fmt.Errorf("backup action requires non-empty 'sources'")
		}
	case "docker_compose_down", "docker_compose_up":
		if a.ComposeFile == "" {
			return fmt.Errorf("%s action requires 'compose_file'", a.Type)
		}
	case "docker_load":
		if a.ImageTar == "" {
			return fmt.Errorf("docker_load action requires 'image_tar'")
		}
	case "file_copy":
		if a.Source == "" || a.Destination == "" {
			return fmt.Errorf("file_copy action requires 'source' and 'destination'")
		}
	case "file_sync":
		if a.Source == "" || a.Destination == "" {
			return fmt.Errorf("file_sync action requires 'source' and 'destination'")
		}
		switch a.Mode {
		case "mirror", "add_only", "overwrite_existing":
		default:
			return fmt.Errorf("file_sync action has unknown mode %q", a.Mode)
		}
	case "file_merge":
		if a.Source == "" || a.Destination == "" {
			return fmt.Errorf("file_merge action requires 'source' and 'destination'")
		}
		switch a.Strategy {
		case "keep_existing", "overwrite_all", "merge_keys":
		default:
			return fmt.Errorf("file_merge action has unknown strategy %q", a.Strategy)
		}
	}
	return nil
}
