package toolkit

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/pkg/util/fsutil"
	"github.com/autopeer-io/devicekit/internal/restore"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

// DiagTools are the external executables devicekit relies on.
var DiagTools = []string{
	device.ToolDeviceID,
	device.ToolDeviceInfo,
	device.ToolRecovery,
	device.ToolDiagnostics,
	restore.DefaultTool,
}

const (
	amdsService   = "Apple Mobile Device Service"
	maxVersionLen = 200
)

// ToolInfo describes one external tool on this host.
type ToolInfo struct {
	Name    string `json:"name"`
	Found   bool   `json:"found"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
}

// USBInfo is what the recovery-mode probe sees on the bus.
type USBInfo struct {
	RecoveryAvailable bool              `json:"irecovery_available"`
	Mode              v1alpha1.Mode     `json:"mode"`
	Properties        map[string]string `json:"properties,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// ServiceInfo is the state of the Windows device service, when applicable.
type ServiceInfo struct {
	Running bool   `json:"running"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HostInfo summarises the host environment.
type HostInfo struct {
	OS         string `json:"os"`
	PathLength int    `json:"path_length"`
	DiskFree   string `json:"disk_free,omitempty"`
	DiskError  string `json:"disk_error,omitempty"`
}

// DiagReport is the result of `dkit diag usb`.
type DiagReport struct {
	Tools   []ToolInfo   `json:"tools"`
	Missing []string     `json:"missing"`
	USB     USBInfo      `json:"usb"`
	Service *ServiceInfo `json:"amds,omitempty"`
	Host    HostInfo     `json:"host"`
	Hints   []string     `json:"hints"`
}

// Diag inspects tools, the USB bus and the host. Individual probe failures
// end up in the report, not in the returned error.
func (s *Service) Diag(ctx context.Context) (*DiagReport, error) {
	report := &DiagReport{
		Tools:   make([]ToolInfo, len(DiagTools)),
		Missing: []string{},
		Hints:   []string{},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, tool := range DiagTools {
		g.Go(func() error {
			info := s.probeTool(gctx, tool)
			mu.Lock()
			report.Tools[i] = info
			mu.Unlock()
			return gctx.Err()
		})
	}
	g.Go(func() error {
		usb := s.probeUSB(gctx)
		mu.Lock()
		report.USB = usb
		mu.Unlock()
		return nil
	})
	if s.goos == "windows" {
		g.Go(func() error {
			svc := s.probeService(gctx)
			mu.Lock()
			report.Service = svc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, t := range report.Tools {
		if !t.Found {
			report.Missing = append(report.Missing, t.Name)
		}
	}
	report.Host = s.hostInfo()
	report.Hints = hints(report)
	return report, nil
}

func (s *Service) probeTool(ctx context.Context, tool string) ToolInfo {
	info := ToolInfo{Name: tool}
	path, err := s.runner.LookPath(tool)
	if err != nil {
		return info
	}
	info.Found, info.Path = true, path

	for _, flag := range []string{"--version", "-V"} {
		res, err := s.runner.Run(ctx, tool, flag)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(res.Stdout)
		if text == "" {
			text = strings.TrimSpace(res.Stderr)
		}
		if text != "" {
			first, _, _ := strings.Cut(text, "\n")
			if len(first) > maxVersionLen {
				first = first[:maxVersionLen]
			}
			info.Version = strings.TrimSpace(first)
			break
		}
	}
	return info
}

func (s *Service) probeUSB(ctx context.Context) USBInfo {
	usb := USBInfo{Mode: v1alpha1.ModeUnknown}
	if _, err := s.runner.LookPath(device.ToolRecovery); err != nil {
		return usb
	}
	usb.RecoveryAvailable = true

	st, err := s.recovery.Status(ctx)
	if err != nil {
		usb.Error = err.Error()
		return usb
	}
	usb.Mode, usb.Properties = st.Mode, st.Properties
	return usb
}

func (s *Service) probeService(ctx context.Context) *ServiceInfo {
	svc := &ServiceInfo{}
	res, err := s.runner.Run(ctx, "sc", "query", amdsService)
	switch {
	case err != nil:
		svc.Error = err.Error()
	case res.Code != 0:
		svc.Error = strings.TrimSpace(res.Stderr + res.Stdout)
	default:
		svc.Status = strings.TrimSpace(res.Stdout)
		svc.Running = strings.Contains(strings.ToUpper(svc.Status), "RUNNING")
	}
	return svc
}

func (s *Service) hostInfo() HostInfo {
	host := HostInfo{OS: s.goos, PathLength: len(os.Getenv("PATH"))}
	dir := s.cfg.Restore.LogDir
	if _, err := os.Stat(dir); dir == "" || err != nil {
		dir = "."
	}
	free, err := fsutil.FreeBytes(dir)
	if err != nil {
		host.DiskError = err.Error()
	} else {
		host.DiskFree = humanize.Bytes(free)
	}
	return host
}

func hints(r *DiagReport) []string {
	var out []string
	if len(r.Missing) > 0 {
		out = append(out, "Missing tools: "+strings.Join(r.Missing, ", ")+"; install libimobiledevice, libirecovery and idevicerestore.")
	}
	if r.Service != nil && !r.Service.Running {
		out = append(out, amdsService+" is not running; start it or install the Apple device drivers.")
	}
	switch r.USB.Mode {
	case v1alpha1.ModeDFU:
		out = append(out, "Device in DFU detected: 'list' does not show DFU devices; use 'recovery status'.")
	case v1alpha1.ModeRecovery:
		out = append(out, "Device in recovery detected: see 'recovery status' for details.")
	}
	if out == nil {
		out = []string{}
	}
	return out
}
