package app

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/pkg/app"
)

// Exit codes of the device query commands (list, info).
const (
	exitToolMissing = 2
	exitNoDevice    = 3
)

// errorPayload is printed on stdout instead of the error line when --json is set.
type errorPayload struct {
	Error        string   `json:"error"`
	Reason       string   `json:"reason,omitempty"`
	MissingTools []string `json:"missing_tools,omitempty"`
}

func deviceExitCode(err error) int {
	switch {
	case errdefs.IsToolMissing(err):
		return exitToolMissing
	case errdefs.IsDeviceUnreachable(err):
		return exitNoDevice
	default:
		return app.ExitFailure
	}
}

// fail reports err with the given exit code, as JSON when jsonOut is set.
func fail(cmd *cobra.Command, jsonOut bool, code int, err error) error {
	if !jsonOut {
		return &app.ExitError{Code: code, Err: err}
	}

	p := errorPayload{Error: err.Error(), Reason: string(errdefs.ValidationReason(err))}
	var missing *errdefs.ToolMissingError
	if errors.As(err, &missing) {
		p.MissingTools = []string{missing.Tool}
	}
	_ = printJSON(cmd.OutOrStdout(), p)
	return &app.ExitError{Code: code, Err: err, Silent: true}
}
