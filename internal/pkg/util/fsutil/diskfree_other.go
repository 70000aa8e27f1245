//go:build !(linux || darwin || freebsd)

package fsutil

// FreeBytes is not implemented on this platform.
func FreeBytes(string) (uint64, error) {
	return 0, ErrFreeSpaceUnsupported
}
