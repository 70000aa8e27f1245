// Package errdefs defines the typed failures devicekit reports. Callers
// classify them with errors.As or the Is* predicates, never by message.
package errdefs

import (
	"errors"
	"fmt"
	"time"

	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

// ToolMissingError means a required external executable is not installed.
type ToolMissingError struct {
	Tool string
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("required tool %q not found in PATH", e.Tool)
}

// Reason classifies a ValidationError.
type Reason string

const (
	HashMismatch      Reason = "HashMismatch"
	CorruptArchive    Reason = "CorruptArchive"
	ProductMismatch   Reason = "ProductMismatch"
	NotFound          Reason = "NotFound"
	Unsupported       Reason = "Unsupported"
	InsufficientSpace Reason = "InsufficientSpace"
)

// ValidationError means the firmware image or request is unusable.
type ValidationError struct {
	Reason Reason
	Path   string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := string(e.Reason)
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return "validation failed: " + msg
}

// NewValidation is a shorthand for a ValidationError with a formatted detail.
func NewValidation(reason Reason, path, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Path: path, Detail: fmt.Sprintf(format, args...)}
}

// DeviceUnreachableError means no probe could reach the device.
type DeviceUnreachableError struct {
	UDID string
}

func (e *DeviceUnreachableError) Error() string {
	return "device unreachable"
}

// DeviceBusyError means another transition or restore holds the device.
type DeviceBusyError struct {
	UDID string
}

func (e *DeviceBusyError) Error() string {
	return "device busy: another operation is in progress"
}

// InvalidTransitionError means the requested mode change is not allowed from the observed mode.
type InvalidTransitionError struct {
	From   v1alpha1.Mode
	Target v1alpha1.Mode
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.Target)
}

// TransitionTimeoutError means a mode change was requested but never confirmed.
type TransitionTimeoutError struct {
	From    v1alpha1.Mode
	Target  v1alpha1.Mode
	Last    v1alpha1.Mode
	Timeout time.Duration
}

func (e *TransitionTimeoutError) Error() string {
	return fmt.Sprintf("transition %s -> %s not confirmed within %s (last observed: %s)", e.From, e.Target, e.Timeout, e.Last)
}

// RestoreProcessError means the restore tool exited non-zero or reported a failure marker.
type RestoreProcessError struct {
	ExitCode int
	Marker   string
}

func (e *RestoreProcessError) Error() string {
	if e.Marker != "" {
		return fmt.Sprintf("restore process failed (rc=%d): %s", e.ExitCode, e.Marker)
	}
	return fmt.Sprintf("restore process failed (rc=%d)", e.ExitCode)
}

// TimeoutExceeded means the global restore deadline expired and the process was killed.
type TimeoutExceeded struct {
	Timeout time.Duration
}

func (e *TimeoutExceeded) Error() string {
	return fmt.Sprintf("restore exceeded timeout of %s", e.Timeout)
}

// InterruptedError means the operator cancelled the run.
type InterruptedError struct {
	Cause error
}

func (e *InterruptedError) Error() string {
	if e.Cause != nil {
		return "interrupted: " + e.Cause.Error()
	}
	return "interrupted"
}

func (e *InterruptedError) Unwrap() error { return e.Cause }

func IsToolMissing(err error) bool       { return isType[*ToolMissingError](err) }
func IsValidation(err error) bool        { return isType[*ValidationError](err) }
func IsDeviceUnreachable(err error) bool { return isType[*DeviceUnreachableError](err) }
func IsDeviceBusy(err error) bool        { return isType[*DeviceBusyError](err) }
func IsInvalidTransition(err error) bool { return isType[*InvalidTransitionError](err) }
func IsTransitionTimeout(err error) bool { return isType[*TransitionTimeoutError](err) }
func IsRestoreProcess(err error) bool    { return isType[*RestoreProcessError](err) }
func IsTimeoutExceeded(err error) bool   { return isType[*TimeoutExceeded](err) }
func IsInterrupted(err error) bool       { return isType[*InterruptedError](err) }

// ValidationReason returns the reason of a wrapped ValidationError, or "".
func ValidationReason(err error) Reason {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Reason
	}
	return ""
}

// Exit codes for the flash and verify entry points.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsValidation(err):
		return ExitValidation
	default:
		return ExitFailure
	}
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
