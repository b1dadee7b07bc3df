package docker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/serkankas/py-offline-updater/internal/observability"
)

func TestParseEnvFileSkipsBlankAndCommentLines(t *testing.T) {
	data := []byte("# comment\nFOO=bar\n\nBAZ=qux=extra\n")
	env := parseEnvFile(data)

	if env["FOO"] != "bar" {
		t.Fatalf("expected FOO=bar, got %q", env["FOO"])
	}
	if env["BAZ"] != "qux=extra" {
		t.Fatalf("expected BAZ to keep embedded '=', got %q", env["BAZ"])
	}
	if len(env) != 2 {
		t.Fatalf("expected exactly 2 entries, got %d: %v", len(env), env)
	}
}

func TestLoadComposeFileParsesServices(t *testing.T) {
	dir := t.TempDir()
	composePath := filepath.Join(dir, "docker-compose.yml")
	content := []byte("services:\n  web:\n    image: nginx:latest\n")
	if err := os.WriteFile(composePath, content, 0644); err != nil {
		t.Fatal(err)
	}

	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatal(err)
	}

	c := &Client{logger: logger}
	project, err := c.LoadComposeFile(context.Background(), composePath)
	if err != nil {
		t.Fatalf("expected parse success, got %v", err)
	}
	if _, ok := project.Services["web"]; !ok {
		t.Fatalf("expected service %q in parsed project, got %v", "web", project.Services)
	}
}
