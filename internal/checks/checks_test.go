package checks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
)

func newRunner() *Runner {
	logger, err := observability.NewLogger("error")
	if err != nil {
		panic(err)
	}
	return NewRunner(nil, logger, observability.NewMetrics())
}

func TestCheckDiskSpaceCreatesMissingPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "path")
	r := newRunner()

	err := r.Run(context.Background(), manifest.CheckSpec{
		Type: "disk_space", Path: dir, RequiredMB: 1,
	})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestCheckDiskSpaceInsufficient(t *testing.T) {
	dir := t.TempDir()
	r := newRunner()

	err := r.Run(context.Background(), manifest.CheckSpec{
		Type: "disk_space", Path: dir, RequiredMB: 1 << 30,
	})
	if err == nil {
		t.Fatal("expected failure for impossible space requirement")
	}
	if _, ok := err.(*CheckError); !ok {
		t.Fatalf("expected *CheckError, got %T", err)
	}
}

func TestCheckFileExists(t *testing.T) {
	dir := t.TempDir()
	r := newRunner()

	if err := r.Run(context.Background(), manifest.CheckSpec{Type: "file_exists", Path: dir}); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	missing := filepath.Join(dir, "nope")
	if err := r.Run(context.Background(), manifest.CheckSpec{Type: "file_exists", Path: missing}); err == nil {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckHTTPPassesOnExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newRunner()
	err := r.Run(context.Background(), manifest.CheckSpec{
		Type: "http_check", URL: srv.URL, ExpectedStatus: http.StatusOK, Retries: 1,
	})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestCheckHTTPFailsOnUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newRunner()
	err := r.Run(context.Background(), manifest.CheckSpec{
		Type: "http_check", URL: srv.URL, ExpectedStatus: http.StatusOK, Retries: 1, DelaySeconds: 1,
	})
	if err == nil {
		t.Fatal("expected failure for 500 response")
	}
}

func TestCheckCommandSuccessAndFailure(t *testing.T) {
	r := newRunner()

	if err := r.Run(context.Background(), manifest.CheckSpec{Type: "command", Command: "true"}); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if err := r.Run(context.Background(), manifest.CheckSpec{Type: "command", Command: "false"}); err == nil {
		t.Fatal("expected failure for false command")
	}
}

func TestCheckDockerRunningWithoutClient(t *testing.T) {
	r := newRunner()
	if err := r.Run(context.Background(), manifest.CheckSpec{Type: "docker_running"}); err == nil {
		t.Fatal("expected failure with no docker client configured")
	}
}
