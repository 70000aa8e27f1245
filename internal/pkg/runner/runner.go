// Package runner executes the short-lived external device tools
// (ideviceinfo, irecovery, idevicediagnostics, ...) and captures their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	utilexec "k8s.io/utils/exec"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
)

// Result is the captured outcome of one tool invocation.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// Runner resolves and runs external tools.
type Runner interface {
	// LookPath resolves tool to an executable path or returns *errdefs.ToolMissingError.
	LookPath(tool string) (string, error)
	// Run executes tool to completion. A non-zero exit is reported in Result.Code, not as an error.
	Run(ctx context.Context, tool string, args ...string) (Result, error)
}

type execRunner struct {
	exec utilexec.Interface
}

var _ Runner = (*execRunner)(nil)

// New returns a Runner backed by exec. A nil exec uses the host's os/exec.
func New(exec utilexec.Interface) Runner {
	if exec == nil {
		exec = utilexec.New()
	}
	return &execRunner{exec: exec}
}

func (r *execRunner) LookPath(tool string) (string, error) {
	path, err := r.exec.LookPath(tool)
	if err != nil {
		return "", &errdefs.ToolMissingError{Tool: tool}
	}
	return path, nil
}

func (r *execRunner) Run(ctx context.Context, tool string, args ...string) (Result, error) {
	path, err := r.LookPath(tool)
	if err != nil {
		return Result{Code: -1}, err
	}

	var stdout, stderr bytes.Buffer
	cmd := r.exec.CommandContext(ctx, path, args...)
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	err = cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	// A killed process also surfaces as an ExitError, so the context wins.
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Code = -1
		return res, ctxErr
	}
	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) {
		res.Code = exitErr.ExitStatus()
		return res, nil
	}
	res.Code = -1
	return res, fmt.Errorf("run %s: %w", tool, err)
}
