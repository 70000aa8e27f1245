// Package fsm adapts error-returning functions to looplab/fsm callbacks.
package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent records a side-effect failure on the event without stopping the transition.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// WrapGuard turns fn into a before_<event> guard: an error cancels the
// transition and surfaces from FSM.Event as fsm.CanceledError.
func WrapGuard(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Cancel(err)
		}
	}
}

// Cause unwraps the error a guard cancelled with. Other errors are returned unchanged.
func Cause(err error) error {
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return err
}
