package device

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/autopeer-io/devicekit/internal/pkg/runner"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

const ToolDeviceInfo = "ideviceinfo"

// LockdownProvider reads the lockdown property list through ideviceinfo.
// It only answers for devices booted far enough to run lockdownd.
type LockdownProvider struct {
	runner runner.Runner
}

var _ Provider = (*LockdownProvider)(nil)

func NewLockdownProvider(r runner.Runner) *LockdownProvider {
	return &LockdownProvider{runner: r}
}

func (p *LockdownProvider) Name() string { return "lockdown" }

func (p *LockdownProvider) Detect(ctx context.Context, udid string) (v1alpha1.Mode, error) {
	props, err := p.properties(ctx, udid)
	if err != nil {
		return v1alpha1.ModeUnknown, err
	}
	if props == nil {
		return v1alpha1.ModeUnknown, nil
	}
	return modeFromProperties(props), nil
}

func (p *LockdownProvider) Query(ctx context.Context, udid string) (*v1alpha1.Device, error) {
	props, err := p.properties(ctx, udid)
	if err != nil {
		return nil, err
	}
	if props == nil {
		return nil, fmt.Errorf("%s returned no properties", ToolDeviceInfo)
	}

	d := &v1alpha1.Device{
		UDID:           props["UniqueDeviceID"],
		ProductType:    props["ProductType"],
		ProductVersion: props["ProductVersion"],
		DeviceName:     props["DeviceName"],
		Connection:     v1alpha1.ConnectionUSB,
		Mode:           modeFromProperties(props),
	}
	if d.UDID == "" {
		d.UDID = udid
	}
	if strings.EqualFold(props["ConnectionType"], "wifi") || strings.EqualFold(props["ConnectionType"], "network") {
		d.Connection = v1alpha1.ConnectionWiFi
	}
	return d, nil
}

// properties returns nil, nil when the tool ran but the device did not answer.
func (p *LockdownProvider) properties(ctx context.Context, udid string) (map[string]string, error) {
	args := []string{}
	if udid != "" {
		args = append(args, "-u", udid)
	}
	res, err := p.runner.Run(ctx, ToolDeviceInfo, args...)
	if err != nil {
		return nil, err
	}
	if res.Code != 0 || strings.TrimSpace(res.Stdout) == "" {
		return nil, nil
	}
	return ParseKeyValues(res.Stdout), nil
}

// ParseKeyValues parses "Key: Value" lines; lines without a colon are ignored.
func ParseKeyValues(text string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok || line == "" {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func modeFromProperties(props map[string]string) v1alpha1.Mode {
	switch {
	case truthy(props["DFUMode"]) || strings.EqualFold(props["DeviceMode"], "dfu"):
		return v1alpha1.ModeDFU
	case truthy(props["RecoveryMode"]) || truthy(props["IsInRecoveryMode"]):
		return v1alpha1.ModeRecovery
	case props["ProductVersion"] != "":
		return v1alpha1.ModeNormal
	default:
		return v1alpha1.ModeUnknown
	}
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
