package app

import (
	"errors"
	"fmt"

	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/devicekit/pkg/log"
)

// NamedFlagSetOptions abstracts options which can be read from flag sets
// grouped by name.
type NamedFlagSetOptions interface {
	// Flags returns the flag sets, grouped by section name.
	Flags() cliflag.NamedFlagSets

	// Complete fills in derived fields after flags and config are parsed.
	Complete() error

	// Validate checks every group and aggregates the problems.
	Validate() error
}

// LoggerOptions is implemented by options that carry a log configuration.
// The global logger is initialized from it before a command runs.
type LoggerOptions interface {
	LogOptions() *log.Options
}

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error

	// Silent suppresses the error line when the command already reported the failure.
	Silent bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitFailure
}
