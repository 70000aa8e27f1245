// Package detect determines a device's mode by polling an ordered list of
// providers until one gives a confident answer or the time budget runs out.
package detect

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/pkg/metrics"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

// Detector reconciles several providers into one mode.
//
// Precedence: providers are asked in order and the first non-unknown answer
// wins; lower-priority providers are not consulted once one has answered, so
// disagreements are settled by order alone. A provider that errors (tool
// missing, transport failure) is skipped for that round.
type Detector struct {
	providers []device.Provider
	backoff   wait.Backoff
	clock     clock.Clock
	logger    log.Logger
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// New returns a Detector polling providers on the given backoff schedule.
func New(providers []device.Provider, backoff wait.Backoff, logger log.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Detector{
		providers: providers,
		backoff:   backoff,
		clock:     clock.RealClock{},
		logger:    logger.WithName("detect"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect polls until a confident answer or timeout and records the result on h.
// It never returns an error: exhaustion yields ModeUnknown.
func (d *Detector) Detect(ctx context.Context, h *device.Handle, timeout time.Duration) v1alpha1.Mode {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := d.backoff
	for {
		if mode, _ := d.Probe(ctx, h.UDID); mode.Known() {
			h.SetMode(mode)
			return mode
		}

		t := d.clock.NewTimer(backoff.Step())
		select {
		case <-ctx.Done():
			t.Stop()
			d.logger.Debug("No confident mode before deadline", "udid", h.Serial(), "timeout", timeout)
			h.SetMode(v1alpha1.ModeUnknown)
			return v1alpha1.ModeUnknown
		case <-t.C():
		}
	}
}

// Probe asks each provider once and returns the first confident answer with
// the provider's name. It returns ModeUnknown and "" when nobody knew.
func (d *Detector) Probe(ctx context.Context, udid string) (v1alpha1.Mode, string) {
	for _, p := range d.providers {
		if ctx.Err() != nil {
			break
		}
		mode, err := p.Detect(ctx, udid)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Debug("Provider unavailable, skipping", "provider", p.Name(), "err", err)
			}
			continue
		}
		if mode.Known() {
			metrics.ModeDetectTotal.WithLabelValues(p.Name(), string(mode)).Inc()
			d.logger.Debug("Mode detected", "provider", p.Name(), "mode", string(mode), "udid", log.Serial(udid))
			return mode, p.Name()
		}
	}
	return v1alpha1.ModeUnknown, ""
}
