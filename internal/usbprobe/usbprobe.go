// Package usbprobe classifies devices from their USB descriptors through
// libusb. It is the last-resort probe: it needs no device-side service and
// works in every mode, but can only tell modes apart, not read attributes.
package usbprobe

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

// Provider implements device.Provider over USB enumeration.
type Provider struct {
	logger log.Logger
}

var _ device.Provider = (*Provider)(nil)

func New(logger log.Logger) *Provider {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Provider{logger: logger.WithName("usb")}
}

func (p *Provider) Name() string { return "usb" }

// Query is not supported; descriptors carry no product attributes.
func (p *Provider) Query(context.Context, string) (*v1alpha1.Device, error) {
	return nil, device.ErrNotSupported
}

type candidate struct {
	bus, address int
	vendor       uint16
	product      uint16
}

func (p *Provider) Detect(ctx context.Context, udid string) (v1alpha1.Mode, error) {
	if err := ctx.Err(); err != nil {
		return v1alpha1.ModeUnknown, err
	}

	usb, err := newContext()
	if err != nil {
		return v1alpha1.ModeUnknown, fmt.Errorf("failed to initialize USB: %w", err)
	}
	defer usb.Close()

	var found []candidate
	devs, openErr := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != device.AppleVendorID {
			return false
		}
		found = append(found, candidate{
			bus:     desc.Bus,
			address: desc.Address,
			vendor:  uint16(desc.Vendor),
			product: uint16(desc.Product),
		})
		return true
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if openErr != nil {
		// Devices we may not open are still classified by descriptor.
		p.logger.Debug("Some Apple devices could not be opened", "err", openErr)
	}

	serials := make(map[[2]int]string, len(devs))
	for _, d := range devs {
		s, err := d.SerialNumber()
		if err != nil {
			continue
		}
		serials[[2]int{d.Desc.Bus, d.Desc.Address}] = s
	}

	// A serial match identifies our device outright; otherwise the first
	// device in recovery or DFU is taken, which assumes one device per host.
	best := v1alpha1.ModeUnknown
	for _, c := range found {
		mode := device.ClassifyUSB(c.vendor, c.product, serials[[2]int{c.bus, c.address}], udid)
		switch {
		case mode == v1alpha1.ModeNormal:
			return mode, nil
		case mode.Known() && best == v1alpha1.ModeUnknown:
			best = mode
		}
	}
	return best, nil
}

// newContext guards against libusb initialisation panicking on hosts without USB access.
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return gousb.NewContext(), nil
}
