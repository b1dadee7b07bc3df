// Package config holds process-wide settings for the update orchestrator,
// replacing the scattered module-level singletons of the system it replaces
// with one explicit, constructor-injected Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/serkankas/py-offline-updater/internal/observability"
)

// OnIncomplete controls what the bootstrap does when it finds a state file
// left in_progress from a prior crash.
type OnIncomplete string

const (
	OnIncompletePrompt   OnIncomplete = "prompt"
	OnIncompleteContinue OnIncomplete = "continue"
	OnIncompleteRollback OnIncomplete = "rollback"
)

// Config holds all orchestrator configuration. Every path under BaseDir is
// derived at load time so callers never hand-assemble a sub-path themselves.
type Config struct {
	HTTPAddr string `json:"http_addr"`

	// BaseDir is the root of the persistent layout (engine/, backups/, tmp/,
	// uploads/, logs/, state.json).
	BaseDir string `json:"base_dir"`

	UploadDir   string `json:"-"`
	TempDir     string `json:"-"`
	BackupDir   string `json:"-"`
	LogDir      string `json:"-"`
	EngineDir   string `json:"-"`
	StateFile   string `json:"-"`

	MaxUploadSize     int64    `json:"max_upload_size"`
	AllowedExtensions []string `json:"allowed_extensions"`

	KeepLastNBackups int  `json:"keep_last_n_backups"`
	RemoveOldImages  bool `json:"remove_old_images"`

	LogLevel string `json:"log_level"`

	OnIncomplete OnIncomplete `json:"on_incomplete"`

	DockerHost string `json:"docker_host"`

	mu sync.RWMutex
}

// DefaultConfig returns a configuration with sensible defaults, mirroring
// update_service/config.py's Config class.
func DefaultConfig() *Config {
	cfg := &Config{
		HTTPAddr:          ":8123",
		BaseDir:           "/opt/updater",
		MaxUploadSize:     2 * 1024 * 1024 * 1024, // 2GB
		AllowedExtensions: []string{".tar.gz", ".tgz"},
		KeepLastNBackups:  3,
		RemoveOldImages:   false,
		LogLevel:          "info",
		OnIncomplete:      OnIncompletePrompt,
		DockerHost:        "",
	}
	cfg.deriveDirs()
	return cfg
}

// SetBaseDir overrides BaseDir and re-derives every path beneath it, for
// callers (the CLI's --base-dir flag) that need to override the layout
// root after a config file has already been loaded.
func (c *Config) SetBaseDir(dir string) {
	c.BaseDir = dir
	c.deriveDirs()
}

func (c *Config) deriveDirs() {
	c.UploadDir = filepath.Join(c.BaseDir, "uploads")
	c.TempDir = filepath.Join(c.BaseDir, "tmp")
	c.BackupDir = filepath.Join(c.BaseDir, "backups")
	c.LogDir = filepath.Join(c.BaseDir, "logs")
	c.EngineDir = filepath.Join(c.BaseDir, "engine")
	c.StateFile = filepath.Join(c.BaseDir, "state.json")
}

// EnsureDirectories creates every directory in the persistent layout.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.UploadDir, c.TempDir, c.BackupDir, c.LogDir, c.EngineDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadConfig loads configuration from a file, or returns DefaultConfig if the
// path is empty or the file does not exist.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".offline-updater", "config.json")
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)
	cfg.deriveDirs()

	return cfg, nil
}

// Save persists the configuration atomically (write-temp-then-rename).
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".offline-updater", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Redact returns a copy of the config safe to put in a log line.
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"http_addr":           c.HTTPAddr,
		"base_dir":            c.BaseDir,
		"max_upload_size":     c.MaxUploadSize,
		"allowed_extensions":  c.AllowedExtensions,
		"keep_last_n_backups": c.KeepLastNBackups,
		"log_level":           c.LogLevel,
		"docker_host":         observability.RedactString(c.DockerHost),
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = defaults.BaseDir
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = defaults.MaxUploadSize
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = defaults.AllowedExtensions
	}
	if cfg.KeepLastNBackups == 0 {
		cfg.KeepLastNBackups = defaults.KeepLastNBackups
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.OnIncomplete == "" {
		cfg.OnIncomplete = defaults.OnIncomplete
	}
}

// HasAllowedExtension reports whether filename ends in one of the
// configured archive extensions.
func (c *Config) HasAllowedExtension(filename string) bool {
	for _, ext := range c.AllowedExtensions {
		if len(filename) >= len(ext) && filename[len(filename)-len(ext):] == ext {
			return true
		}
	}
	return false
}
