package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

// ErrNotSupported is returned by a provider that lacks a capability.
var ErrNotSupported = errors.New("operation not supported by provider")

// Provider is one way of observing a device. Providers are consulted in
// priority order; callers never branch on which tool sits behind one.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Detect returns the device's mode. ModeUnknown with a nil error means the
	// provider ran but could not tell; an error means it could not run at all.
	Detect(ctx context.Context, udid string) (v1alpha1.Mode, error)

	// Query returns the device's attributes.
	Query(ctx context.Context, udid string) (*v1alpha1.Device, error)
}

// Chain is an ordered provider list.
type Chain []Provider

// Query returns the first successful answer in chain order.
func (c Chain) Query(ctx context.Context, udid string) (*v1alpha1.Device, error) {
	var errs []error
	for _, p := range c {
		d, err := p.Query(ctx, udid)
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrNotSupported) {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no provider could query the device")
	}
	return nil, errors.Join(errs...)
}
