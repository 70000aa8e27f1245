// Package fsutil holds small filesystem helpers shared by preflight checks.
package fsutil

import "errors"

// ErrFreeSpaceUnsupported is returned where free space cannot be queried.
var ErrFreeSpaceUnsupported = errors.New("free space check not supported on this platform")
