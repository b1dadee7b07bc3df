package docker

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/serkankas/py-offline-updater/internal/observability"
)

func TestIsRetriableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("context deadline exceeded: timeout"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"not found", errors.New("no such container: abc"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, isRetriableError(tc.err), tc.want)
		})
	}
}

func TestNewClientFailsOnUnreachableDaemon(t *testing.T) {
	logger, err := observability.NewLogger("error")
	assert.NilError(t, err)

	_, err = NewClient(logger, "tcp://127.0.0.1:1")
	assert.ErrorContains(t, err, "docker daemon unreachable")
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c := &Client{closed: true}
	assert.NilError(t, c.Close())
}

func TestGetAfterCloseReturnsError(t *testing.T) {
	c := &Client{closed: true}
	_, err := c.get()
	assert.ErrorContains(t, err, "closed")
}
