package device

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/autopeer-io/devicekit/internal/pkg/runner"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

const ToolRecovery = "irecovery"

var (
	reDFU      = regexp.MustCompile(`(?i)\bDFU\b`)
	reRecovery = regexp.MustCompile(`(?i)\bRecovery\b`)
	reNormal   = regexp.MustCompile(`(?i)\bNormal\b`)
)

// RecoveryProvider queries the boot ROM / iBoot through `irecovery -q`.
// irecovery addresses the first device it finds, so a host with several
// devices in recovery or DFU cannot be told apart here.
type RecoveryProvider struct {
	runner runner.Runner
}

var _ Provider = (*RecoveryProvider)(nil)

func NewRecoveryProvider(r runner.Runner) *RecoveryProvider {
	return &RecoveryProvider{runner: r}
}

func (p *RecoveryProvider) Name() string { return "irecovery" }

func (p *RecoveryProvider) Detect(ctx context.Context, _ string) (v1alpha1.Mode, error) {
	res, err := p.runner.Run(ctx, ToolRecovery, "-q")
	if err != nil {
		return v1alpha1.ModeUnknown, err
	}
	if res.Code != 0 {
		return v1alpha1.ModeUnknown, nil
	}
	return ParseRecoveryQuery(res.Stdout), nil
}

func (p *RecoveryProvider) Query(ctx context.Context, udid string) (*v1alpha1.Device, error) {
	res, err := p.runner.Run(ctx, ToolRecovery, "-q")
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("%s -q exited with %d", ToolRecovery, res.Code)
	}
	props := ParseKeyValues(res.Stdout)
	return &v1alpha1.Device{
		UDID:        udid,
		ProductType: props["PRODUCT"],
		Connection:  v1alpha1.ConnectionUSB,
		Mode:        ParseRecoveryQuery(res.Stdout),
	}, nil
}

// ParseRecoveryQuery maps `irecovery -q` output to a mode. The MODE line wins;
// otherwise the whole text is searched for DFU, then Recovery, then Normal.
// CPID and ECID lines are reported in both recovery and DFU and decide nothing.
func ParseRecoveryQuery(text string) v1alpha1.Mode {
	if m, ok := ParseKeyValues(text)["MODE"]; ok {
		text = m
	}
	switch {
	case reDFU.MatchString(text):
		return v1alpha1.ModeDFU
	case reRecovery.MatchString(text):
		return v1alpha1.ModeRecovery
	case reNormal.MatchString(text):
		return v1alpha1.ModeNormal
	default:
		return v1alpha1.ModeUnknown
	}
}

// RecoveryStatus is the raw answer of `irecovery -q` for the status command.
type RecoveryStatus struct {
	Mode       v1alpha1.Mode     `json:"mode"`
	Properties map[string]string `json:"properties,omitempty"`
	Raw        string            `json:"raw,omitempty"`
}

// Status runs `irecovery -q` and returns its parsed output.
func (p *RecoveryProvider) Status(ctx context.Context) (*RecoveryStatus, error) {
	res, err := p.runner.Run(ctx, ToolRecovery, "-q")
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("%s -q exited with %d: %s", ToolRecovery, res.Code, strings.TrimSpace(res.Stderr))
	}
	st := &RecoveryStatus{
		Mode:       ParseRecoveryQuery(res.Stdout),
		Properties: ParseKeyValues(res.Stdout),
	}
	if st.Mode == v1alpha1.ModeUnknown {
		st.Raw = strings.TrimSpace(res.Stdout)
	}
	return st, nil
}
