//go:build !windows

package checks

import "syscall"

// diskFreeMB reports free space at path in megabytes via statfs. This is the
// one stdlib syscall corner in this package — no library in the dependency
// set wraps disk-free the way the docker/compose/http concerns are wrapped.
func diskFreeMB(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	return float64(freeBytes) / (1024 * 1024), nil
}
