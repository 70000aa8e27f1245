// Package transition drives a device between normal, recovery and DFU mode
// and confirms every change by observation.
package transition

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/devicekit/internal/pkg/util/fsm"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

// ModeDetector observes a device's current mode within a time bound.
type ModeDetector interface {
	Detect(ctx context.Context, h *device.Handle, timeout time.Duration) v1alpha1.Mode
}

// Request describes one mode change. Zero durations take the controller defaults;
// an empty Source is observed before acting.
type Request struct {
	Source       v1alpha1.Mode
	Target       v1alpha1.Mode
	Timeout      time.Duration
	PollInterval time.Duration
}

// Config holds the controller defaults.
type Config struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	DetectTimeout time.Duration
}

// Controller issues mode changes and polls until they are confirmed.
// It does not serialise callers; the device lease does.
type Controller struct {
	detector  ModeDetector
	commander device.Commander
	cfg       Config
	clock     clock.Clock
	logger    log.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func NewController(detector ModeDetector, commander device.Commander, cfg Config, logger log.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 5 * time.Second
	}
	c := &Controller{
		detector:  detector,
		commander: commander,
		cfg:       cfg,
		clock:     clock.RealClock{},
		logger:    logger.WithName("transition"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enter moves a normal-mode device into recovery.
func (c *Controller) Enter(ctx context.Context, h *device.Handle) error {
	return c.Transition(ctx, h, Request{Target: v1alpha1.ModeRecovery})
}

// Kickout restarts a recovery or DFU device into normal mode.
func (c *Controller) Kickout(ctx context.Context, h *device.Handle) error {
	return c.Transition(ctx, h, Request{Target: v1alpha1.ModeNormal})
}

// AwaitDFU waits for the operator to put the device into DFU. announce, when
// set, is called once before polling starts, typically to print the button sequence.
func (c *Controller) AwaitDFU(ctx context.Context, h *device.Handle, announce func(ctx context.Context) error) error {
	return c.transition(ctx, h, Request{Target: v1alpha1.ModeDFU}, announce)
}

// Transition performs req. It returns nil once the target mode is observed,
// without issuing any command when the device is already there.
func (c *Controller) Transition(ctx context.Context, h *device.Handle, req Request) error {
	return c.transition(ctx, h, req, nil)
}

func (c *Controller) transition(ctx context.Context, h *device.Handle, req Request, announce func(context.Context) error) error {
	if req.Timeout <= 0 {
		req.Timeout = c.cfg.Timeout
	}
	if req.PollInterval <= 0 {
		req.PollInterval = c.cfg.PollInterval
	}

	event := eventFor(req.Target)
	if event == "" {
		return &errdefs.InvalidTransitionError{From: req.Source, Target: req.Target}
	}

	if !req.Source.Known() {
		req.Source = c.detector.Detect(ctx, h, c.cfg.DetectTimeout)
	}
	logger := c.logger.WithValues("udid", h.Serial(), "event", event, "from", string(req.Source), "to", string(req.Target))

	switch {
	case ctx.Err() != nil:
		return &errdefs.InterruptedError{Cause: ctx.Err()}
	case req.Source == req.Target:
		h.SetMode(req.Target)
		metrics.TransitionTotal.WithLabelValues(event, "noop").Inc()
		logger.Info("Device already in target mode")
		return nil
	case !req.Source.Known():
		metrics.TransitionTotal.WithLabelValues(event, "unreachable").Inc()
		return &errdefs.DeviceUnreachableError{UDID: h.UDID}
	}

	logger.Info("Starting mode transition", "timeout", req.Timeout)
	err := c.newMachine(req.Source).Event(ctx, event, &callArgs{handle: h, req: req, announce: announce})
	err = fsmutil.Cause(err)

	var invalid fsm.InvalidEventError
	switch {
	case err == nil:
		metrics.TransitionTotal.WithLabelValues(event, "confirmed").Inc()
		logger.Info("Mode transition confirmed")
		return nil
	case errors.As(err, &invalid):
		metrics.TransitionTotal.WithLabelValues(event, "invalid").Inc()
		return &errdefs.InvalidTransitionError{From: req.Source, Target: req.Target}
	case errdefs.IsTransitionTimeout(err):
		metrics.TransitionTotal.WithLabelValues(event, "timeout").Inc()
	case errdefs.IsInterrupted(err):
		metrics.TransitionTotal.WithLabelValues(event, "interrupted").Inc()
	default:
		metrics.TransitionTotal.WithLabelValues(event, "error").Inc()
	}
	logger.Error(err, "Mode transition failed", "last", string(h.Mode()))
	return err
}

// confirm polls the detector until req.Target is observed or req.Timeout elapses.
func (c *Controller) confirm(ctx context.Context, h *device.Handle, req Request) error {
	deadline := c.clock.Now().Add(req.Timeout)
	last := v1alpha1.ModeUnknown

	for {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return &errdefs.TransitionTimeoutError{From: req.Source, Target: req.Target, Last: last, Timeout: req.Timeout}
		}

		last = c.detector.Detect(ctx, h, min(c.cfg.DetectTimeout, remaining))
		if last == req.Target {
			return nil
		}
		if ctx.Err() != nil {
			return &errdefs.InterruptedError{Cause: ctx.Err()}
		}

		t := c.clock.NewTimer(min(req.PollInterval, max(deadline.Sub(c.clock.Now()), 0)))
		select {
		case <-ctx.Done():
			t.Stop()
			return &errdefs.InterruptedError{Cause: ctx.Err()}
		case <-t.C():
		}
	}
}
