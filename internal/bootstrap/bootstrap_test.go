package bootstrap

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/serkankas/py-offline-updater/internal/config"
	"github.com/serkankas/py-offline-updater/internal/observability"
)

func buildArchive(t *testing.T, files map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "update.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestBootstrap(t *testing.T) *Bootstrap {
	t.Helper()

	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SetBaseDir(base)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, nil, logger, observability.NewMetrics())
}

func TestBootstrapExtractsAndGatesSatisfiedVersion(t *testing.T) {
	manifestYAML := "description: test\ndate: 2026-01-01\nrequired_engine_version: 0.1.0\nactions: []\n"
	archive := buildArchive(t, map[string]string{"manifest.yml": manifestYAML})

	b := newTestBootstrap(t)
	extracted, err := b.Run(context.Background(), archive, func() ResumeDecision { return DecisionContinue })
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(extracted, "manifest.yml")); err != nil {
		t.Fatalf("expected manifest extracted: %v", err)
	}
}

func TestBootstrapRejectsMissingArchive(t *testing.T) {
	b := newTestBootstrap(t)
	_, err := b.Run(context.Background(), filepath.Join(t.TempDir(), "missing.tar.gz"), func() ResumeDecision { return DecisionContinue })
	if err == nil {
		t.Fatal("expected error for missing archive")
	}
}

func TestBootstrapRequiresRestartOnUpgrade(t *testing.T) {
	manifestYAML := "description: test\ndate: 2026-01-01\nrequired_engine_version: 99.0.0\nactions: []\n"
	archive := buildArchive(t, map[string]string{
		"manifest.yml":                 manifestYAML,
		"update_engine/marker.go":      "package engine\n",
	})

	b := newTestBootstrap(t)
	_, err := b.Run(context.Background(), archive, func() ResumeDecision { return DecisionContinue })
	if err == nil {
		t.Fatal("expected an error")
	}
	if err != ErrRestartRequired {
		t.Fatalf("expected ErrRestartRequired, got %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(b.Config.EngineDir, "marker.go")); statErr != nil {
		t.Fatalf("expected new engine installed: %v", statErr)
	}
}

func TestBootstrapFailsWhenUpgradeRequiredButEngineMissingFromArchive(t *testing.T) {
	manifestYAML := "description: test\ndate: 2026-01-01\nrequired_engine_version: 99.0.0\nactions: []\n"
	archive := buildArchive(t, map[string]string{"manifest.yml": manifestYAML})

	b := newTestBootstrap(t)
	_, err := b.Run(context.Background(), archive, func() ResumeDecision { return DecisionContinue })
	if err == nil {
		t.Fatal("expected failure")
	}
}
