// Package checksum provides the file-fingerprinting primitives every other
// component in the orchestrator builds on: a streaming MD5 used for every
// persisted integrity check (bundle, backup, state, engine), and a fast
// non-cryptographic digest used only as an internal dirty-check.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const chunkSize = 4096

// MD5 streams path through MD5 in 4KiB chunks and returns the hex digest.
func MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to read %s for checksum: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether path's MD5 matches expected (case-insensitive hex).
func Verify(path, expected string) bool {
	actual, err := MD5(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(actual, expected)
}

// QuickDigest computes a fast xxhash64 digest of path's contents. It is
// never written to a CHECKSUM file or state.json; it exists purely so the
// backup store can cheaply decide "this file is almost certainly unchanged"
// before paying for an MD5 pass over a large tree. Any mismatch here is
// treated as "recompute the real MD5", never as a substitute for it.
func QuickDigest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s for quick digest: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to read %s for quick digest: %w", path, err)
	}

	return h.Sum64(), nil
}
