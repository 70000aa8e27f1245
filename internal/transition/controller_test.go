package transition

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

// fakeDetector returns modes from a queue; the last one repeats.
type fakeDetector struct {
	mu    sync.Mutex
	modes []v1alpha1.Mode
	calls int
}

func (f *fakeDetector) Detect(_ context.Context, h *device.Handle, _ time.Duration) v1alpha1.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	m := f.modes[0]
	if len(f.modes) > 1 {
		f.modes = f.modes[1:]
	}
	h.SetMode(m)
	return m
}

type fakeCommander struct {
	mu       sync.Mutex
	enters   int
	kickouts int
	err      error
}

func (f *fakeCommander) EnterRecovery(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enters++
	return f.err
}

func (f *fakeCommander) Kickout(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kickouts++
	return f.err
}

func newTestController(det *fakeDetector, cmd *fakeCommander) *Controller {
	return NewController(det, cmd, Config{
		Timeout:       100 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		DetectTimeout: 10 * time.Millisecond,
	}, nil)
}

func modes(ms ...v1alpha1.Mode) *fakeDetector { return &fakeDetector{modes: ms} }

func TestEnterAlreadyInRecoveryIsNoop(t *testing.T) {
	det, cmd := modes(v1alpha1.ModeRecovery), &fakeCommander{}
	h := device.NewHandle("abc")

	if err := newTestController(det, cmd).Enter(context.Background(), h); err != nil {
		t.Fatalf("Enter() = %v", err)
	}
	if cmd.enters != 0 {
		t.Errorf("issued %d enter requests, want 0", cmd.enters)
	}
	if h.Mode() != v1alpha1.ModeRecovery {
		t.Errorf("mode = %q", h.Mode())
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name         string
		detected     []v1alpha1.Mode
		run          func(c *Controller, h *device.Handle) error
		cmdErr       error
		wantEnters   int
		wantKickouts int
		wantMode     v1alpha1.Mode
		check        func(t *testing.T, err error)
	}{
		{
			name:       "enter confirmed after reboot",
			detected:   []v1alpha1.Mode{v1alpha1.ModeNormal, v1alpha1.ModeUnknown, v1alpha1.ModeRecovery},
			run:        func(c *Controller, h *device.Handle) error { return c.Enter(context.Background(), h) },
			wantEnters: 1,
			wantMode:   v1alpha1.ModeRecovery,
		},
		{
			name:         "kickout from dfu",
			detected:     []v1alpha1.Mode{v1alpha1.ModeDFU, v1alpha1.ModeNormal},
			run:          func(c *Controller, h *device.Handle) error { return c.Kickout(context.Background(), h) },
			wantKickouts: 1,
			wantMode:     v1alpha1.ModeNormal,
		},
		{
			name:       "enter never confirmed",
			detected:   []v1alpha1.Mode{v1alpha1.ModeNormal},
			run:        func(c *Controller, h *device.Handle) error { return c.Enter(context.Background(), h) },
			wantEnters: 1,
			wantMode:   v1alpha1.ModeNormal,
			check: func(t *testing.T, err error) {
				var te *errdefs.TransitionTimeoutError
				if !errors.As(err, &te) {
					t.Fatalf("err = %v, want TransitionTimeoutError", err)
				}
				if te.Last != v1alpha1.ModeNormal || te.Target != v1alpha1.ModeRecovery {
					t.Errorf("timeout = %+v", te)
				}
			},
		},
		{
			name:     "enter from dfu is not allowed",
			detected: []v1alpha1.Mode{v1alpha1.ModeDFU},
			run:      func(c *Controller, h *device.Handle) error { return c.Enter(context.Background(), h) },
			wantMode: v1alpha1.ModeDFU,
			check: func(t *testing.T, err error) {
				if !errdefs.IsInvalidTransition(err) {
					t.Fatalf("err = %v, want InvalidTransitionError", err)
				}
			},
		},
		{
			name:     "unknown source",
			detected: []v1alpha1.Mode{v1alpha1.ModeUnknown},
			run:      func(c *Controller, h *device.Handle) error { return c.Kickout(context.Background(), h) },
			wantMode: v1alpha1.ModeUnknown,
			check: func(t *testing.T, err error) {
				if !errdefs.IsDeviceUnreachable(err) {
					t.Fatalf("err = %v, want DeviceUnreachableError", err)
				}
			},
		},
		{
			name:       "command failure cancels the transition",
			detected:   []v1alpha1.Mode{v1alpha1.ModeNormal},
			run:        func(c *Controller, h *device.Handle) error { return c.Enter(context.Background(), h) },
			cmdErr:     errors.New("idevicediagnostics enter_recovery exited with 255"),
			wantEnters: 1,
			wantMode:   v1alpha1.ModeNormal,
			check: func(t *testing.T, err error) {
				if err == nil || errdefs.IsTransitionTimeout(err) || !strings.Contains(err.Error(), "255") {
					t.Fatalf("err = %v, want the command error", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, cmd := modes(tt.detected...), &fakeCommander{err: tt.cmdErr}
			h := device.NewHandle("abc")

			err := tt.run(newTestController(det, cmd), h)
			if tt.check != nil {
				tt.check(t, err)
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd.enters != tt.wantEnters || cmd.kickouts != tt.wantKickouts {
				t.Errorf("enters=%d kickouts=%d", cmd.enters, cmd.kickouts)
			}
			if h.Mode() != tt.wantMode {
				t.Errorf("mode = %q, want %q", h.Mode(), tt.wantMode)
			}
		})
	}
}

func TestAwaitDFUAnnouncesAndNeverCommands(t *testing.T) {
	det, cmd := modes(v1alpha1.ModeRecovery, v1alpha1.ModeRecovery, v1alpha1.ModeDFU), &fakeCommander{}
	h := device.NewHandle("abc")

	announced := 0
	err := newTestController(det, cmd).AwaitDFU(context.Background(), h, func(context.Context) error {
		announced++
		return nil
	})
	if err != nil {
		t.Fatalf("AwaitDFU() = %v", err)
	}
	if announced != 1 {
		t.Errorf("announced %d times", announced)
	}
	if cmd.enters+cmd.kickouts != 0 {
		t.Error("AwaitDFU issued a device command")
	}
}

func TestTransitionInterrupted(t *testing.T) {
	det, cmd := modes(v1alpha1.ModeNormal), &fakeCommander{}
	h := device.NewHandle("abc")
	ctx, cancel := context.WithCancel(context.Background())

	c := NewController(det, cmd, Config{Timeout: time.Minute, PollInterval: 10 * time.Millisecond, DetectTimeout: time.Millisecond}, nil)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := c.Transition(ctx, h, Request{Source: v1alpha1.ModeNormal, Target: v1alpha1.ModeRecovery})
	if !errdefs.IsInterrupted(err) {
		t.Fatalf("err = %v, want InterruptedError", err)
	}
}

func TestLookupGuide(t *testing.T) {
	tests := []struct {
		product   string
		wantModel string
		wantErr   bool
	}{
		{"iPhone12,8", "iPhone SE (2nd/3rd generation)", false},
		{"iPhone12,1", "iPhone SE (2nd/3rd generation)", false},
		{"iPad11,6", "iPad (8th generation, Home button)", false},
		{"Watch6,1", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		g, err := LookupGuide(tt.product)
		if (err != nil) != tt.wantErr {
			t.Fatalf("LookupGuide(%q) error = %v", tt.product, err)
		}
		if err != nil {
			continue
		}
		if g.Model != tt.wantModel || g.ProductType != tt.product {
			t.Errorf("LookupGuide(%q) = %+v", tt.product, g)
		}
		if g.Total() != 15*time.Second {
			t.Errorf("Total() = %s", g.Total())
		}
	}
}

func TestGuidePresent(t *testing.T) {
	g, _ := LookupGuide("iPhone12,8")

	var buf bytes.Buffer
	if err := g.Present(context.Background(), &buf, false, nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "1. Connect the device") || !strings.Contains(out, "(10s)") {
		t.Errorf("unexpected output:\n%s", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Present(ctx, &bytes.Buffer{}, true, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Present() with cancelled ctx = %v", err)
	}
}
