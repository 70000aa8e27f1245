package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/looplab/fsm"
)

func TestWrapGuardCancels(t *testing.T) {
	boom := errors.New("command failed")
	f := fsm.NewFSM("a",
		fsm.Events{{Name: "go", Src: []string{"a"}, Dst: "b"}},
		fsm.Callbacks{
			"before_go": WrapGuard(func(context.Context, *fsm.Event) error { return boom }),
		},
	)

	err := f.Event(context.Background(), "go")
	if !errors.Is(Cause(err), boom) {
		t.Fatalf("Cause(Event()) = %v, want %v", Cause(err), boom)
	}
	if f.Current() != "a" {
		t.Errorf("state = %q, want unchanged %q", f.Current(), "a")
	}
}

func TestWrapGuardAllows(t *testing.T) {
	var entered bool
	f := fsm.NewFSM("a",
		fsm.Events{{Name: "go", Src: []string{"a"}, Dst: "b"}},
		fsm.Callbacks{
			"before_go": WrapGuard(func(context.Context, *fsm.Event) error { return nil }),
			"enter_b": WrapEvent(func(context.Context, *fsm.Event) error {
				entered = true
				return nil
			}),
		},
	)

	if err := f.Event(context.Background(), "go"); err != nil {
		t.Fatalf("Event() = %v", err)
	}
	if !entered || f.Current() != "b" {
		t.Errorf("entered=%v state=%q", entered, f.Current())
	}
}

func TestCausePassthrough(t *testing.T) {
	err := fsm.InvalidEventError{Event: "go", State: "b"}
	if got := Cause(err); got != error(err) {
		t.Errorf("Cause() = %v, want passthrough", got)
	}
}
