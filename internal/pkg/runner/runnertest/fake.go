// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/internal/pkg/runner"
)

// Response is the scripted answer for one command line.
type Response struct {
	Result runner.Result
	Err    error
}

// Fake answers Run calls from a table keyed by "tool arg1 arg2...".
// Tools listed in Missing fail LookPath. Unscripted commands exit 1.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]Response
	Missing   map[string]bool
	Calls     []string
}

var _ runner.Runner = (*Fake)(nil)

func New() *Fake {
	return &Fake{responses: map[string][]Response{}, Missing: map[string]bool{}}
}

// On queues responses for a command line. The last one repeats once the queue drains.
func (f *Fake) On(cmdline string, rs ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = append(f.responses[cmdline], rs...)
	return f
}

// Stdout is shorthand for a zero-exit response.
func Stdout(s string) Response {
	return Response{Result: runner.Result{Stdout: s}}
}

// Exit is shorthand for a failing response.
func Exit(code int, stderr string) Response {
	return Response{Result: runner.Result{Code: code, Stderr: stderr}}
}

func (f *Fake) LookPath(tool string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Missing[tool] {
		return "", &errdefs.ToolMissingError{Tool: tool}
	}
	return "/usr/local/bin/" + tool, nil
}

func (f *Fake) Run(ctx context.Context, tool string, args ...string) (runner.Result, error) {
	if _, err := f.LookPath(tool); err != nil {
		return runner.Result{Code: -1}, err
	}
	if err := ctx.Err(); err != nil {
		return runner.Result{Code: -1}, err
	}

	key := strings.Join(append([]string{tool}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, key)

	q := f.responses[key]
	if len(q) == 0 {
		return runner.Result{Code: 1}, nil
	}
	r := q[0]
	if len(q) > 1 {
		f.responses[key] = q[1:]
	}
	return r.Result, r.Err
}

// Count returns how many times cmdline was run.
func (f *Fake) Count(cmdline string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == cmdline {
			n++
		}
	}
	return n
}
