package transition

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/devicekit/internal/device"
	fsmutil "github.com/autopeer-io/devicekit/internal/pkg/util/fsm"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

const (
	// EventEnter (Active) reboots a normal device into recovery.
	EventEnter = "enter"
	// EventKickout (Active) reboots a recovery or DFU device into normal mode.
	EventKickout = "kickout"
	// EventAwaitDFU (Passive) waits for the operator's button sequence.
	EventAwaitDFU = "await_dfu"
)

// eventFor maps a target mode to the event that reaches it.
func eventFor(target v1alpha1.Mode) string {
	switch target {
	case v1alpha1.ModeRecovery:
		return EventEnter
	case v1alpha1.ModeNormal:
		return EventKickout
	case v1alpha1.ModeDFU:
		return EventAwaitDFU
	default:
		return ""
	}
}

// callArgs travel through fsm.Event into the guards.
type callArgs struct {
	handle   *device.Handle
	req      Request
	announce func(ctx context.Context) error
}

// newMachine builds a throwaway FSM starting at the observed mode. Guards issue
// the device command and block until the target mode is confirmed; a failed
// guard cancels the transition so the FSM never claims an unconfirmed mode.
func (c *Controller) newMachine(observed v1alpha1.Mode) *fsm.FSM {
	events := fsm.Events{
		{Name: EventEnter, Src: []string{string(v1alpha1.ModeNormal)}, Dst: string(v1alpha1.ModeRecovery)},
		{Name: EventKickout, Src: []string{string(v1alpha1.ModeRecovery), string(v1alpha1.ModeDFU)}, Dst: string(v1alpha1.ModeNormal)},
		{Name: EventAwaitDFU, Src: []string{string(v1alpha1.ModeNormal), string(v1alpha1.ModeRecovery)}, Dst: string(v1alpha1.ModeDFU)},
	}

	callbacks := fsm.Callbacks{
		// Guards (before_...): act on the device, then confirm.
		"before_" + EventEnter:    fsmutil.WrapGuard(c.guardEnter),
		"before_" + EventKickout:  fsmutil.WrapGuard(c.guardKickout),
		"before_" + EventAwaitDFU: fsmutil.WrapGuard(c.guardAwaitDFU),

		// Side-Effects (enter_...): record the confirmed mode.
		"enter_state": fsmutil.WrapEvent(c.actionEnterState),
	}

	return fsm.NewFSM(string(observed), events, callbacks)
}

func (c *Controller) guardEnter(ctx context.Context, e *fsm.Event) error {
	args := e.Args[0].(*callArgs)
	if err := c.commander.EnterRecovery(ctx, args.handle.UDID); err != nil {
		return err
	}
	return c.confirm(ctx, args.handle, args.req)
}

func (c *Controller) guardKickout(ctx context.Context, e *fsm.Event) error {
	args := e.Args[0].(*callArgs)
	if err := c.commander.Kickout(ctx, args.handle.UDID); err != nil {
		return err
	}
	return c.confirm(ctx, args.handle, args.req)
}

// guardAwaitDFU cannot force the transition; it only announces the button
// sequence and watches for the device to arrive.
func (c *Controller) guardAwaitDFU(ctx context.Context, e *fsm.Event) error {
	args := e.Args[0].(*callArgs)
	if args.announce != nil {
		if err := args.announce(ctx); err != nil {
			return err
		}
	}
	return c.confirm(ctx, args.handle, args.req)
}

func (c *Controller) actionEnterState(_ context.Context, e *fsm.Event) error {
	args := e.Args[0].(*callArgs)
	args.handle.SetMode(v1alpha1.Mode(e.Dst))
	return nil
}
