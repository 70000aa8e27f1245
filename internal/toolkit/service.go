// Package toolkit wires the device, detection, transition and restore
// components into the operations the command line exposes, and enforces
// that only one mutating operation runs per device at a time.
package toolkit

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	utilexec "k8s.io/utils/exec"

	"github.com/autopeer-io/devicekit/internal/detect"
	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/firmware"
	"github.com/autopeer-io/devicekit/internal/pkg/runner"
	"github.com/autopeer-io/devicekit/internal/restore"
	"github.com/autopeer-io/devicekit/internal/transition"
	"github.com/autopeer-io/devicekit/internal/usbprobe"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

// Config collects the settings of every component.
type Config struct {
	Restore       restore.Config
	Transition    transition.Config
	DetectTimeout time.Duration
	DetectBackoff wait.Backoff
	// USBProbe adds USB descriptor enumeration as the last detection provider.
	USBProbe bool
}

// Service is the entry point for every device operation.
type Service struct {
	cfg    Config
	runner runner.Runner
	logger log.Logger

	leases       *device.Leases
	inventory    *device.Inventory
	recovery     *device.RecoveryProvider
	detector     *detect.Detector
	controller   *transition.Controller
	validator    *firmware.Validator
	orchestrator *restore.Orchestrator

	mu      sync.Mutex
	handles map[string]*device.Handle

	goos string
}

type options struct {
	runner    runner.Runner
	observers []restore.Observer
}

// Option customises a Service.
type Option func(*options)

// WithRunner replaces the runner used for short device tool invocations.
func WithRunner(r runner.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithObservers attaches restore observers (archive, notifier).
func WithObservers(obs ...restore.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

// New builds a Service. A nil exec uses the host's executables.
func New(cfg Config, exec utilexec.Interface, logger log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if exec == nil {
		exec = utilexec.New()
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 10 * time.Second
	}
	if cfg.DetectBackoff.Duration <= 0 {
		cfg.DetectBackoff = wait.Backoff{Duration: 500 * time.Millisecond, Factor: 1.5, Jitter: 0.1, Steps: 1 << 30, Cap: 3 * time.Second}
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	r := o.runner
	if r == nil {
		r = runner.New(exec)
	}

	lockdown := device.NewLockdownProvider(r)
	recovery := device.NewRecoveryProvider(r)
	providers := []device.Provider{lockdown, recovery}
	if cfg.USBProbe {
		providers = append(providers, usbprobe.New(logger))
	}

	detector := detect.New(providers, cfg.DetectBackoff, logger)
	validator := firmware.NewValidator(logger)

	if cfg.Transition.DetectTimeout <= 0 {
		cfg.Transition.DetectTimeout = cfg.DetectTimeout
	}

	return &Service{
		cfg:          cfg,
		runner:       r,
		logger:       logger.WithName("toolkit"),
		leases:       device.NewLeases(),
		inventory:    device.NewInventory(r, device.Chain{lockdown, recovery}, logger),
		recovery:     recovery,
		detector:     detector,
		controller:   transition.NewController(detector, device.NewToolCommander(r), cfg.Transition, logger),
		validator:    validator,
		orchestrator: restore.New(cfg.Restore, exec, validator, logger, restore.WithObservers(o.observers...)),
		handles:      map[string]*device.Handle{},
		goos:         runtime.GOOS,
	}
}

// handle returns the single live handle for udid.
func (s *Service) handle(udid string) *device.Handle {
	udid = strings.TrimSpace(udid)
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[udid]
	if !ok {
		h = device.NewHandle(udid)
		s.handles[h.UDID] = h
	}
	return h
}

// resolveUDID picks the only attached device when udid is empty. Devices in
// recovery or dfu are not listed by the inventory; the empty udid is kept for
// them and the tools address the single attached device.
func (s *Service) resolveUDID(ctx context.Context, udid string) string {
	if udid != "" {
		return udid
	}
	udids, err := s.inventory.UDIDs(ctx)
	if err == nil && len(udids) == 1 {
		return udids[0]
	}
	return ""
}

// lock takes the device lease and returns the handle with its release func.
func (s *Service) lock(ctx context.Context, udid string) (*device.Handle, func(), error) {
	return s.acquire(s.handle(s.resolveUDID(ctx, udid)))
}

func (s *Service) acquire(h *device.Handle) (*device.Handle, func(), error) {
	release, err := s.leases.Acquire(h.UDID)
	if err != nil {
		return nil, nil, err
	}
	return h, release, nil
}

// List returns every attached device.
func (s *Service) List(ctx context.Context) ([]v1alpha1.Device, error) {
	return s.inventory.List(ctx)
}

// Info returns the attributes of one device.
func (s *Service) Info(ctx context.Context, udid string) (*v1alpha1.Device, error) {
	return s.inventory.Info(ctx, udid)
}

// Mode polls the detectors until a confident answer or the detect timeout.
func (s *Service) Mode(ctx context.Context, udid string) v1alpha1.Mode {
	h := s.handle(s.resolveUDID(ctx, udid))
	return s.detector.Detect(ctx, h, s.cfg.DetectTimeout)
}

// RecoveryStatus reports what irecovery sees.
func (s *Service) RecoveryStatus(ctx context.Context) (*device.RecoveryStatus, error) {
	return s.recovery.Status(ctx)
}

// Enter moves a device from normal into recovery mode.
func (s *Service) Enter(ctx context.Context, udid string) error {
	h, release, err := s.lock(ctx, udid)
	if err != nil {
		return err
	}
	defer release()
	return s.controller.Enter(ctx, h)
}

// Kickout boots a device in recovery or dfu back to normal mode.
func (s *Service) Kickout(ctx context.Context, udid string) error {
	h, release, err := s.lock(ctx, udid)
	if err != nil {
		return err
	}
	defer release()
	return s.controller.Kickout(ctx, h)
}

// AwaitDFU calls announce for the operator and waits for the device to show up in dfu.
func (s *Service) AwaitDFU(ctx context.Context, udid string, announce func(ctx context.Context) error) error {
	h, release, err := s.lock(ctx, udid)
	if err != nil {
		return err
	}
	defer release()
	return s.controller.AwaitDFU(ctx, h, announce)
}

// Verify validates a firmware image without touching any device.
func (s *Service) Verify(ctx context.Context, path string, opts firmware.ValidateOptions) (*firmware.Image, error) {
	return s.validator.Validate(ctx, path, opts)
}

// Flash runs one restore. A real run checks the restore tool before any
// device I/O, then records the device's current mode on the handle and, when
// no product IDs were given, uses the device's product type for the
// applicability check.
func (s *Service) Flash(ctx context.Context, udid, imagePath string, opts restore.Options) (*v1alpha1.RestoreResult, error) {
	execute := !opts.DryRun && !opts.PreflightOnly
	if execute {
		if _, err := s.orchestrator.CheckTool(); err != nil {
			// The device is not touched, not even to resolve an empty udid;
			// the orchestrator records the missing tool in the result.
			h, release, lerr := s.acquire(s.handle(udid))
			if lerr != nil {
				return nil, lerr
			}
			defer release()
			return s.orchestrator.Restore(ctx, h, imagePath, opts)
		}
	}

	h, release, err := s.lock(ctx, udid)
	if err != nil {
		return nil, err
	}
	defer release()

	if execute {
		if mode := s.detector.Detect(ctx, h, s.cfg.DetectTimeout); !mode.Known() {
			s.logger.Warn("Device mode unknown before restore", "udid", h.Serial())
		}
		if len(opts.ExpectedProductIDs) == 0 && h.UDID != "" {
			if d, err := s.inventory.Info(ctx, h.UDID); err == nil && d.ProductType != "" {
				opts.ExpectedProductIDs = []string{d.ProductType}
			}
		}
	}
	return s.orchestrator.Restore(ctx, h, imagePath, opts)
}
