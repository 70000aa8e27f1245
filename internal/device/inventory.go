package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/internal/pkg/runner"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

const ToolDeviceID = "idevice_id"

// Inventory lists attached devices and fills in their attributes.
type Inventory struct {
	runner runner.Runner
	chain  Chain
	logger log.Logger
}

func NewInventory(r runner.Runner, chain Chain, logger log.Logger) *Inventory {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Inventory{runner: r, chain: chain, logger: logger.WithName("inventory")}
}

// UDIDs returns the identifiers reported by `idevice_id -l`, deduplicated in order.
func (i *Inventory) UDIDs(ctx context.Context) ([]string, error) {
	res, err := i.runner.Run(ctx, ToolDeviceID, "-l")
	if err != nil {
		return nil, err
	}
	// idevice_id exits 1 when nothing is attached.
	if res.Code != 0 && res.Code != 1 {
		return nil, fmt.Errorf("%s -l exited with %d: %s", ToolDeviceID, res.Code, strings.TrimSpace(res.Stderr))
	}

	seen := map[string]bool{}
	var udids []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		// newer releases append " (USB)" or " (Network)"
		udid, _, _ := strings.Cut(strings.TrimSpace(line), " ")
		if udid == "" || seen[udid] {
			continue
		}
		seen[udid] = true
		udids = append(udids, udid)
	}
	return udids, nil
}

// List returns every attached device. A device whose attributes cannot be
// read is still listed with its UDID and an unknown mode.
func (i *Inventory) List(ctx context.Context) ([]v1alpha1.Device, error) {
	udids, err := i.UDIDs(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]v1alpha1.Device, 0, len(udids))
	for _, udid := range udids {
		d, err := i.chain.Query(ctx, udid)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			i.logger.Debug("Query failed, listing bare entry", "udid", log.Serial(udid), "err", err)
			d = &v1alpha1.Device{UDID: udid, Connection: v1alpha1.ConnectionUSB, Mode: v1alpha1.ModeUnknown}
		}
		devices = append(devices, *d)
	}
	return devices, nil
}

// Info returns the attributes of one device. An empty udid selects the only
// attached device and fails when there are none or several.
func (i *Inventory) Info(ctx context.Context, udid string) (*v1alpha1.Device, error) {
	if udid == "" {
		udids, err := i.UDIDs(ctx)
		if err != nil {
			return nil, err
		}
		switch len(udids) {
		case 0:
			return nil, &errdefs.DeviceUnreachableError{}
		case 1:
			udid = udids[0]
		default:
			return nil, fmt.Errorf("%d devices attached, select one with --udid", len(udids))
		}
	}
	return i.chain.Query(ctx, udid)
}
