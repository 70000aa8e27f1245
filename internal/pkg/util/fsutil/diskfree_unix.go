//go:build linux || darwin || freebsd

package fsutil

import "golang.org/x/sys/unix"

// FreeBytes returns the bytes available to unprivileged users on the volume holding dir.
func FreeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
