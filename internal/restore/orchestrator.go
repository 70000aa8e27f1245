// Package restore supervises a single firmware restore: preflight, the
// external restore process, output classification and the final record.
package restore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
	utilexec "k8s.io/utils/exec"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/firmware"
	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/internal/pkg/util/fsutil"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

const (
	// DefaultTool is the restore executable used when none is configured.
	DefaultTool = "idevicerestore"
	// DefaultTimeout bounds a restore when neither Config nor Options set one.
	DefaultTimeout = time.Hour

	// DefaultKillGrace is how long a stopped restore process may take to exit
	// after SIGTERM before it is killed.
	DefaultKillGrace = 5 * time.Second

	maxLineBytes = 1 << 20
	lineBuffer   = 256
)

// ImageValidator checks a firmware image before anything touches the device.
type ImageValidator interface {
	Validate(ctx context.Context, path string, opts firmware.ValidateOptions) (*firmware.Image, error)
}

// Config is the process-wide restore configuration.
type Config struct {
	Tool      string
	LogDir    string
	Timeout   time.Duration
	MinDiskGB float64
}

// Options are the per-run choices.
type Options struct {
	// Wipe erases user data; otherwise an update restore is requested.
	Wipe bool
	// DryRun validates and records the would-be invocation without running it.
	DryRun bool
	// PreflightOnly validates and stops. It takes precedence over DryRun.
	PreflightOnly bool
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration

	ExpectedHash       string
	ExpectedProductIDs []string
}

// Orchestrator runs restores. It holds no per-run state and may be shared;
// exclusive access to a device is the caller's responsibility.
type Orchestrator struct {
	cfg       Config
	exec      utilexec.Interface
	validator ImageValidator
	observer  Observers
	clock     clock.Clock
	logger    log.Logger
	killGrace time.Duration

	freeBytes func(dir string) (uint64, error)
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for timestamps and the deadline.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithObservers adds observers after the built-in metrics observer.
func WithObservers(obs ...Observer) Option {
	return func(o *Orchestrator) { o.observer = append(o.observer, obs...) }
}

// New returns an Orchestrator. A nil exec uses the host's executables.
func New(cfg Config, exec utilexec.Interface, validator ImageValidator, logger log.Logger, opts ...Option) *Orchestrator {
	if cfg.Tool == "" {
		cfg.Tool = DefaultTool
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if exec == nil {
		exec = utilexec.New()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	o := &Orchestrator{
		cfg:       cfg,
		exec:      exec,
		validator: validator,
		observer:  Observers{MetricsObserver{}},
		clock:     clock.RealClock{},
		logger:    logger.WithName("restore"),
		killGrace: DefaultKillGrace,
		freeBytes: fsutil.FreeBytes,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CheckTool resolves the configured restore tool in PATH.
func (o *Orchestrator) CheckTool() (string, error) {
	p, err := o.exec.LookPath(o.cfg.Tool)
	if err != nil {
		return "", &errdefs.ToolMissingError{Tool: o.cfg.Tool}
	}
	return p, nil
}

// recorder appends steps to one result, mirroring each into the run log and
// the observers.
type recorder struct {
	ctx     context.Context
	res     *v1alpha1.RestoreResult
	log     *runLog
	obs     Observer
	clock   clock.PassiveClock
	started time.Time
}

func (r *recorder) add(name string, ok bool, msg string) {
	step := v1alpha1.RestoreStep{Name: name, OK: ok, Message: msg, Timestamp: r.clock.Now().UTC()}
	r.res.Steps = append(r.res.Steps, step)
	r.log.Annotate("step=%s ok=%t %s", name, ok, msg)
	r.obs.StepRecorded(r.ctx, r.res.UDID, step)
}

// Restore performs one attempt against h. The result is returned whenever the
// run log could be created, including on error; it is never produced while
// the restore process is still running.
func (o *Orchestrator) Restore(ctx context.Context, h *device.Handle, imagePath string, opts Options) (*v1alpha1.RestoreResult, error) {
	runID := uuid.NewString()[:8]
	started := o.clock.Now()
	logger := o.logger.WithValues("udid", h.Serial(), "run", runID)

	rl, err := openRunLog(logPath(o.cfg.LogDir, h.UDID, runID, started))
	if err != nil {
		return nil, err
	}

	res := &v1alpha1.RestoreResult{
		UDID:      h.UDID,
		IPSW:      imagePath,
		Wipe:      opts.Wipe,
		Steps:     []v1alpha1.RestoreStep{},
		LogFile:   rl.path,
		StartedAt: started.UTC(),
	}
	rec := &recorder{
		ctx:     context.WithoutCancel(ctx),
		res:     res,
		log:     rl,
		obs:     o.observer,
		clock:   o.clock,
		started: started,
	}
	rl.Annotate("run=%s udid=%s mode=%s ipsw=%s wipe=%t dry_run=%t preflight_only=%t started=%s",
		runID, h.UDID, h.Mode(), imagePath, opts.Wipe, opts.DryRun, opts.PreflightOnly, res.StartedAt.Format(time.RFC3339))
	logger.Info("Restore started", "ipsw", imagePath, "wipe", opts.Wipe, "dryRun", opts.DryRun, "preflightOnly", opts.PreflightOnly)

	clean, err := o.run(ctx, rec, h, imagePath, opts, logger)
	o.finish(rec, clean, err, logger)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, rec *recorder, h *device.Handle, imagePath string, opts Options, logger log.Logger) (bool, error) {
	msg, err := o.preflight(ctx, rec, imagePath, opts)
	if err != nil {
		if ctx.Err() != nil {
			rec.add(v1alpha1.StepInterrupted, false, "cancelled during preflight")
			return false, &errdefs.InterruptedError{Cause: context.Cause(ctx)}
		}
		rec.add(v1alpha1.StepValidate, false, err.Error())
		logger.Warn("Preflight failed", "reason", errdefs.ValidationReason(err), "error", err)
		return false, err
	}

	args := restoreArgs(h.UDID, imagePath, opts.Wipe)
	switch {
	case opts.PreflightOnly:
		rec.add(v1alpha1.StepValidate, true, msg)
		return true, nil
	case opts.DryRun:
		tool := o.cfg.Tool
		if p, err := o.CheckTool(); err == nil {
			tool = p
		} else {
			rec.log.Annotate("%s not found in PATH", o.cfg.Tool)
		}
		rec.log.Annotate("preflight ok: %s", msg)
		rec.add(v1alpha1.StepDryRun, true, quoteCommand(tool, args))
		return true, nil
	}

	rec.add(v1alpha1.StepValidate, true, msg)

	timeout := o.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	return o.execute(ctx, rec, imagePath, args, timeout, logger)
}

// preflight validates the image and the free space next to the run log. It
// returns the summary recorded in the validate step.
func (o *Orchestrator) preflight(ctx context.Context, rec *recorder, imagePath string, opts Options) (string, error) {
	img, err := o.validator.Validate(ctx, imagePath, firmware.ValidateOptions{
		ExpectedHash:       opts.ExpectedHash,
		ExpectedProductIDs: opts.ExpectedProductIDs,
	})
	if err != nil {
		return "", err
	}

	parts := []string{"sha1=" + img.SHA1, "size=" + humanize.Bytes(uint64(img.Size))}
	if m := img.Manifest; m != nil {
		if len(m.ProductTypes) > 0 {
			parts = append(parts, "products="+strings.Join(m.ProductTypes, ","))
		}
		if m.BuildVersion != "" {
			parts = append(parts, "build="+m.BuildVersion)
		}
	}
	if img.ManifestWarning != "" {
		rec.log.Annotate("warning: %s", img.ManifestWarning)
	}

	dir := filepath.Dir(rec.log.path)
	free, err := o.freeBytes(dir)
	switch {
	case err != nil:
		rec.log.Annotate("free space unknown: %v", err)
		parts = append(parts, "disk_free=unknown")
	default:
		required := uint64(o.cfg.MinDiskGB * 1e9)
		if free < required {
			return "", errdefs.NewValidation(errdefs.InsufficientSpace, dir,
				"%s free, %s required", humanize.Bytes(free), humanize.Bytes(required))
		}
		parts = append(parts, "disk_free="+humanize.Bytes(free))
	}
	return strings.Join(parts, " "), nil
}

// execute launches the restore tool and supervises it until it has exited
// and all of its output has been consumed. It reports whether the process
// exited cleanly.
func (o *Orchestrator) execute(ctx context.Context, rec *recorder, imagePath string, args []string, timeout time.Duration, logger log.Logger) (bool, error) {
	toolPath, err := o.CheckTool()
	if err != nil {
		rec.add(v1alpha1.StepTool, false, err.Error())
		return false, err
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	guard, err := watchImage(watchCtx, imagePath, logger)
	if err != nil {
		logger.Warn("Cannot watch firmware image", "path", imagePath, "error", err)
	}
	defer guard.Close()

	// The process gets its own context so that cancellation always goes
	// through the supervising loop below. Cancelling it sends SIGKILL.
	procCtx, kill := context.WithCancel(context.WithoutCancel(ctx))
	defer kill()

	cmd := o.exec.CommandContext(procCtx, toolPath, args...)

	var (
		grace  clock.Timer
		graceC <-chan time.Time
	)
	// stop asks the process to exit and arms the kill deadline.
	stop := func() {
		cmd.Stop()
		grace = o.clock.NewTimer(o.killGrace)
		graceC = grace.C()
	}
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	pr, pw := io.Pipe()
	cmd.SetStdout(pw)
	cmd.SetStderr(pw)

	rec.log.Annotate("exec %s", quoteCommand(toolPath, args))
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		rec.add(v1alpha1.StepTool, false, fmt.Sprintf("start %s: %v", o.cfg.Tool, err))
		return false, fmt.Errorf("start %s: %w", o.cfg.Tool, err)
	}
	logger.Info("Restore process started", "tool", toolPath, "timeout", timeout)

	lines := make(chan string, lineBuffer)
	go readLines(pr, lines)

	waitc := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitc <- err
	}()

	timer := o.clock.NewTimer(timeout)
	defer timer.Stop()

	var (
		classifier   = NewClassifier()
		done         = ctx.Done()
		waitErr      error
		exited       bool
		cause        error
		marker       string
		imageChanged bool
	)
	for lines != nil || waitc != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			rec.log.Line(line)
			for _, ev := range classifier.Classify(line) {
				if ev.Step == v1alpha1.StepError && marker == "" {
					marker = ev.Message
				}
				rec.add(ev.Step, ev.OK, ev.Message)
			}
		case err := <-waitc:
			waitErr, exited = err, true
			waitc = nil
		case <-timer.C():
			if !exited && cause == nil {
				cause = &errdefs.TimeoutExceeded{Timeout: timeout}
				rec.log.Annotate("deadline of %s exceeded, stopping restore process", timeout)
				logger.Warn("Restore deadline exceeded, stopping process", "timeout", timeout)
				stop()
			}
		case <-done:
			done = nil
			if !exited && cause == nil {
				cause = &errdefs.InterruptedError{Cause: context.Cause(ctx)}
				rec.log.Annotate("interrupted, stopping restore process")
				logger.Warn("Restore interrupted, stopping process")
				stop()
			}
		case <-graceC:
			graceC = nil
			if !exited {
				rec.log.Annotate("restore process still running %s after SIGTERM, killing it", o.killGrace)
				logger.Warn("Restore process ignored SIGTERM, killing it", "grace", o.killGrace)
				kill()
			}
		case op := <-guard.Changed():
			if !imageChanged {
				imageChanged = true
				rec.add(v1alpha1.StepImageChanged, false, fmt.Sprintf("%s changed during restore (%s)", imagePath, op))
			}
		}
	}

	rc := exitCode(waitErr)
	rec.log.Annotate("process exited rc=%d", rc)

	var timedOut *errdefs.TimeoutExceeded
	switch {
	case errors.As(cause, &timedOut):
		rec.add(v1alpha1.StepTimeout, false, fmt.Sprintf("not finished within %s; process stopped", timeout))
		return false, cause
	case cause != nil:
		rec.add(v1alpha1.StepInterrupted, false, "cancelled by operator; process stopped")
		return false, cause
	case rc != 0:
		rec.add(v1alpha1.StepExit, false, fmt.Sprintf("rc=%d", rc))
		return false, &errdefs.RestoreProcessError{ExitCode: rc, Marker: marker}
	}

	rec.add(v1alpha1.StepComplete, true, "rc=0")
	switch {
	case marker != "":
		return true, &errdefs.RestoreProcessError{ExitCode: 0, Marker: marker}
	case imageChanged:
		return true, &errdefs.RestoreProcessError{ExitCode: 0, Marker: "firmware image changed during restore"}
	}
	return true, nil
}

func (o *Orchestrator) finish(rec *recorder, clean bool, err error, logger log.Logger) {
	res := rec.res
	finished := o.clock.Now()
	res.FinishedAt = finished.UTC()
	res.DurationSec = finished.Sub(rec.started).Seconds()
	res.Status = v1alpha1.StatusFor(res.Steps, clean)

	rec.log.Annotate("finished status=%s duration=%.1fs", res.Status, res.DurationSec)
	if cerr := rec.log.Close(); cerr != nil {
		logger.Error(cerr, "Failed to close run log", "path", res.LogFile)
	}
	rec.obs.Finished(rec.ctx, res)

	if err != nil {
		logger.Error(err, "Restore failed", "status", res.Status, "steps", len(res.Steps), "logfile", res.LogFile)
		return
	}
	logger.Info("Restore finished", "status", res.Status, "steps", len(res.Steps), "logfile", res.LogFile)
}

// restoreArgs composes the restore tool arguments. Wipe maps to an erase
// restore; without it the tool performs an update that keeps user data.
func restoreArgs(udid, imagePath string, wipe bool) []string {
	var args []string
	if wipe {
		args = append(args, "-e")
	}
	if udid != "" {
		args = append(args, "-u", udid)
	}
	return append(args, imagePath)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee utilexec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus()
	}
	return -1
}

// readLines forwards non-blank lines from r until EOF. After a scan error the
// rest of the stream is discarded so the writer never blocks.
func readLines(r io.Reader, out chan<- string) {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), " \t"); strings.TrimSpace(line) != "" {
			out <- line
		}
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanLinesOrCR splits on '\n' and on bare '\r' so progress bars redrawn in
// place still yield lines.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var shellSafe = regexp.MustCompile(`^[\w@%+=:,./-]+$`)

func quoteCommand(tool string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(tool))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
