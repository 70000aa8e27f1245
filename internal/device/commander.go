package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/autopeer-io/devicekit/internal/pkg/runner"
)

const ToolDiagnostics = "idevicediagnostics"

// Commander issues mode-change requests to a device.
type Commander interface {
	// EnterRecovery asks a normal-mode device to reboot into recovery.
	EnterRecovery(ctx context.Context, udid string) error
	// Kickout asks a recovery or DFU device to reboot into normal mode.
	Kickout(ctx context.Context, udid string) error
}

// ToolCommander implements Commander with idevicediagnostics and irecovery.
type ToolCommander struct {
	runner runner.Runner
}

var _ Commander = (*ToolCommander)(nil)

func NewToolCommander(r runner.Runner) *ToolCommander {
	return &ToolCommander{runner: r}
}

func (c *ToolCommander) EnterRecovery(ctx context.Context, udid string) error {
	args := []string{"enter_recovery"}
	if udid != "" {
		args = append(args, "-u", udid)
	}
	return c.run(ctx, ToolDiagnostics, args...)
}

func (c *ToolCommander) Kickout(ctx context.Context, _ string) error {
	return c.run(ctx, ToolRecovery, "-n")
}

func (c *ToolCommander) run(ctx context.Context, tool string, args ...string) error {
	res, err := c.runner.Run(ctx, tool, args...)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		return fmt.Errorf("%s %s exited with %d: %s", tool, strings.Join(args[:1], " "), res.Code, detail)
	}
	return nil
}
