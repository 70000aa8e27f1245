package restore

import (
	"archive/zip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"howett.net/plist"
	utilexec "k8s.io/utils/exec"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/firmware"
	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

const testUDID = "00008030-001A2B3C4D5E6F70"

// TestHelperProcess is not a real test. It stands in for the restore tool
// when re-executed by helperExec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	if p := os.Getenv("DKIT_HELPER_PIDFILE"); p != "" {
		if err := os.WriteFile(p, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			os.Exit(4)
		}
	}

	switch os.Getenv("DKIT_HELPER_SCRIPT") {
	case "success":
		fmt.Println("Found device in Recovery mode")
		fmt.Println("Extracting BuildManifest.plist from IPSW")
		fmt.Fprintln(os.Stderr, "Sending RestoreImage (1520 bytes)...")
		fmt.Println("Waiting for device to enter restore mode...")
		fmt.Print("[=====     ] 50%\r[==========] 100%\n")
		fmt.Println("Flashing firmware")
		fmt.Println("Verifying restore")
		fmt.Println("Erasing user data")
		fmt.Println("Rebooting device")
		fmt.Println("DONE")
		os.Exit(0)
	case "fail":
		fmt.Println("Extracting BuildManifest.plist from IPSW")
		fmt.Println("ERROR: Unable to place device into recovery mode")
		os.Exit(1)
	case "marker":
		fmt.Println("Extracting BuildManifest.plist from IPSW")
		fmt.Println("ERROR: Unable to send APTicket")
		os.Exit(0)
	case "hang":
		fmt.Println("Extracting BuildManifest.plist from IPSW")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("Extracting BuildManifest.plist from IPSW")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "slow":
		fmt.Println("Extracting BuildManifest.plist from IPSW")
		time.Sleep(2 * time.Second)
		fmt.Println("DONE")
		os.Exit(0)
	}
	os.Exit(3)
}

// helperExec re-executes the test binary in place of every command and
// counts how many processes were started.
type helperExec struct {
	utilexec.Interface

	script  string
	missing bool
	pidFile string

	mu    sync.Mutex
	calls [][]string
}

func newHelperExec(script string) *helperExec {
	return &helperExec{Interface: utilexec.New(), script: script}
}

func (h *helperExec) LookPath(file string) (string, error) {
	if h.missing {
		return "", utilexec.ErrExecutableNotFound
	}
	return "/usr/local/bin/" + file, nil
}

func (h *helperExec) CommandContext(ctx context.Context, cmd string, args ...string) utilexec.Cmd {
	h.mu.Lock()
	h.calls = append(h.calls, append([]string{cmd}, args...))
	h.mu.Unlock()

	cs := append([]string{"-test.run=^TestHelperProcess$", "--", cmd}, args...)
	c := h.Interface.CommandContext(ctx, os.Args[0], cs...)
	c.SetEnv(append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DKIT_HELPER_SCRIPT="+h.script, "DKIT_HELPER_PIDFILE="+h.pidFile))
	return c
}

// trackPID makes the helper process record its pid in a temp file.
func (h *helperExec) trackPID(t *testing.T) *helperExec {
	h.pidFile = filepath.Join(t.TempDir(), "helper.pid")
	return h
}

// assertExited fails unless the helper process has exited and been reaped.
func (h *helperExec) assertExited(t *testing.T) {
	t.Helper()
	data, err := os.ReadFile(h.pidFile)
	if err != nil {
		t.Fatalf("helper pid not recorded: %v", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatal(err)
	}
	if processAlive(pid) {
		t.Errorf("restore process %d still running after Restore returned", pid)
	}
}

func (h *helperExec) Calls() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// writeIPSW builds a minimal image for iPhone12,8 and returns its path and SHA-1.
func writeIPSW(t *testing.T) (string, string) {
	t.Helper()

	p := filepath.Join(t.TempDir(), "iPhone12,8_17.5.1_21F90_Restore.ipsw")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("Firmware/all_flash/LLB.img4")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	data, err := plist.Marshal(map[string]any{
		"ProductVersion":        "17.5.1",
		"ProductBuildVersion":   "21F90",
		"SupportedProductTypes": []string{"iPhone12,8"},
	}, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	if w, err = zw.Create(firmware.ManifestName); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(raw)
	return p, hex.EncodeToString(sum[:])
}

func newTestOrchestrator(t *testing.T, exec *helperExec, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(Config{Tool: DefaultTool, LogDir: t.TempDir(), Timeout: time.Minute}, exec, firmware.NewValidator(nil), nil, opts...)
	o.freeBytes = func(string) (uint64, error) { return 50e9, nil }
	return o
}

func stepNames(res *v1alpha1.RestoreResult) []string {
	names := make([]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		names = append(names, s.Name)
	}
	return names
}

func assertLogFile(t *testing.T, res *v1alpha1.RestoreResult) string {
	t.Helper()
	data, err := os.ReadFile(res.LogFile)
	if err != nil {
		t.Fatalf("run log missing: %v", err)
	}
	if !strings.Contains(res.LogFile, filepath.Join(testUDID, "restore-")) {
		t.Errorf("log file %q not under the device directory", res.LogFile)
	}
	if err := res.Validate(); err != nil {
		t.Errorf("result does not validate: %v", err)
	}
	return string(data)
}

func TestRestorePreflightOnly(t *testing.T) {
	exec := newHelperExec("success")
	o := newTestOrchestrator(t, exec)
	ipsw, sum := writeIPSW(t)

	res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{
		PreflightOnly:      true,
		DryRun:             true,
		ExpectedHash:       strings.ToUpper(sum),
		ExpectedProductIDs: []string{"iPhone12,8"},
	})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := stepNames(res); len(got) != 1 || got[0] != v1alpha1.StepValidate || !res.Steps[0].OK {
		t.Fatalf("steps = %v, want a single ok validate step", res.Steps)
	}
	if !strings.Contains(res.Steps[0].Message, "sha1="+sum) || !strings.Contains(res.Steps[0].Message, "products=iPhone12,8") {
		t.Errorf("validate message = %q", res.Steps[0].Message)
	}
	if res.Status != v1alpha1.StatusSuccess {
		t.Errorf("status = %s, want success", res.Status)
	}
	if n := len(exec.Calls()); n != 0 {
		t.Errorf("started %d processes, want 0", n)
	}
	assertLogFile(t, res)
}

func TestRestoreDryRun(t *testing.T) {
	exec := newHelperExec("success")
	o := newTestOrchestrator(t, exec)
	ipsw, _ := writeIPSW(t)

	res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{DryRun: true, Wipe: true})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(res.Steps) != 1 || res.Steps[0].Name != v1alpha1.StepDryRun {
		t.Fatalf("steps = %v, want a single dry-run step", stepNames(res))
	}
	want := "/usr/local/bin/idevicerestore -e -u " + testUDID + " " + shellQuote(ipsw)
	if res.Steps[0].Message != want {
		t.Errorf("dry-run message = %q, want %q", res.Steps[0].Message, want)
	}
	if !res.Wipe || res.Status != v1alpha1.StatusSuccess {
		t.Errorf("wipe = %t, status = %s", res.Wipe, res.Status)
	}
	if n := len(exec.Calls()); n != 0 {
		t.Errorf("started %d processes, want 0", n)
	}
	assertLogFile(t, res)
}

func TestRestorePreflightFailures(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		free   uint64
		minGB  float64
		path   func(ipsw string) string
		reason errdefs.Reason
	}{
		{
			name:   "hash mismatch",
			opts:   Options{ExpectedHash: strings.Repeat("0", 40)},
			reason: errdefs.HashMismatch,
		},
		{
			name:   "product mismatch",
			opts:   Options{ExpectedProductIDs: []string{"iPad11,7"}},
			reason: errdefs.ProductMismatch,
		},
		{
			name:   "missing image",
			path:   func(ipsw string) string { return ipsw + ".missing" },
			reason: errdefs.NotFound,
		},
		{
			name:   "insufficient space",
			free:   2e9,
			minGB:  10,
			reason: errdefs.InsufficientSpace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newHelperExec("success")
			o := newTestOrchestrator(t, exec)
			if tt.minGB > 0 {
				o.cfg.MinDiskGB = tt.minGB
				o.freeBytes = func(string) (uint64, error) { return tt.free, nil }
			}
			ipsw, _ := writeIPSW(t)
			if tt.path != nil {
				ipsw = tt.path(ipsw)
			}

			res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, tt.opts)
			if got := errdefs.ValidationReason(err); got != tt.reason {
				t.Fatalf("reason = %q (err %v), want %q", got, err, tt.reason)
			}
			if errdefs.ExitCode(err) != errdefs.ExitValidation {
				t.Errorf("exit code = %d, want %d", errdefs.ExitCode(err), errdefs.ExitValidation)
			}
			if len(res.Steps) != 1 || res.Steps[0].Name != v1alpha1.StepValidate || res.Steps[0].OK {
				t.Fatalf("steps = %v, want a single failed validate step", res.Steps)
			}
			if res.Status != v1alpha1.StatusFailure {
				t.Errorf("status = %s, want failure", res.Status)
			}
			if n := len(exec.Calls()); n != 0 {
				t.Errorf("started %d processes, want 0", n)
			}
			assertLogFile(t, res)
		})
	}
}

func TestRestoreToolMissing(t *testing.T) {
	exec := newHelperExec("success")
	exec.missing = true
	o := newTestOrchestrator(t, exec)
	ipsw, _ := writeIPSW(t)

	res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{})
	if !errdefs.IsToolMissing(err) {
		t.Fatalf("err = %v, want ToolMissingError", err)
	}
	last := res.LastStep()
	if last == nil || last.Name != v1alpha1.StepTool || last.OK {
		t.Fatalf("last step = %+v, want failed tool step", last)
	}
	if n := len(exec.Calls()); n != 0 {
		t.Errorf("started %d processes, want 0", n)
	}
	if res.Status != v1alpha1.StatusFailure {
		t.Errorf("status = %s, want failure", res.Status)
	}
}

func TestRestoreSuccess(t *testing.T) {
	exec := newHelperExec("success")
	o := newTestOrchestrator(t, exec)
	ipsw, _ := writeIPSW(t)

	res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{
		Wipe:               true,
		ExpectedProductIDs: []string{"iPhone12,8"},
	})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	want := []string{
		v1alpha1.StepValidate,
		v1alpha1.StepExtract,
		v1alpha1.StepSend,
		v1alpha1.StepRestore,
		v1alpha1.StepFlash,
		v1alpha1.StepVerify,
		v1alpha1.StepWipe,
		v1alpha1.StepReboot,
		v1alpha1.StepComplete,
	}
	got := stepNames(res)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for _, s := range res.Steps {
		if !s.OK {
			t.Errorf("step %s not ok: %s", s.Name, s.Message)
		}
	}
	if res.Status != v1alpha1.StatusSuccess || !res.Wipe {
		t.Errorf("status = %s, wipe = %t", res.Status, res.Wipe)
	}
	if res.FinishedAt.Before(res.StartedAt) || res.DurationSec < 0 {
		t.Errorf("bad timing: %s -> %s (%f)", res.StartedAt, res.FinishedAt, res.DurationSec)
	}

	calls := exec.Calls()
	if len(calls) != 1 {
		t.Fatalf("started %d processes, want 1", len(calls))
	}
	wantArgs := []string{"/usr/local/bin/idevicerestore", "-e", "-u", testUDID, ipsw}
	if strings.Join(calls[0], " ") != strings.Join(wantArgs, " ") {
		t.Errorf("invocation = %v, want %v", calls[0], wantArgs)
	}

	logText := assertLogFile(t, res)
	for _, line := range []string{"Sending RestoreImage (1520 bytes)...", "[==========] 100%", "DONE", annotationPrefix + "process exited rc=0"} {
		if !strings.Contains(logText, line) {
			t.Errorf("run log lacks %q", line)
		}
	}
}

func TestRestoreProcessFailure(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		want     []string
		exitCode int
		marker   string
	}{
		{
			name:     "non-zero exit",
			script:   "fail",
			want:     []string{v1alpha1.StepValidate, v1alpha1.StepExtract, v1alpha1.StepError, v1alpha1.StepExit},
			exitCode: 1,
			marker:   "ERROR: Unable to place device into recovery mode",
		},
		{
			name:     "marker with clean exit",
			script:   "marker",
			want:     []string{v1alpha1.StepValidate, v1alpha1.StepExtract, v1alpha1.StepError, v1alpha1.StepComplete},
			exitCode: 0,
			marker:   "ERROR: Unable to send APTicket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, newHelperExec(tt.script))
			ipsw, _ := writeIPSW(t)

			res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{})
			var perr *errdefs.RestoreProcessError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want RestoreProcessError", err)
			}
			if perr.ExitCode != tt.exitCode || perr.Marker != tt.marker {
				t.Errorf("process error = %+v", perr)
			}
			if got := stepNames(res); strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("steps = %v, want %v", got, tt.want)
			}
			if res.Status != v1alpha1.StatusFailure {
				t.Errorf("status = %s, want failure", res.Status)
			}
			if errdefs.ExitCode(err) != errdefs.ExitFailure {
				t.Errorf("exit code = %d, want %d", errdefs.ExitCode(err), errdefs.ExitFailure)
			}
		})
	}
}

func TestRestoreTimeout(t *testing.T) {
	exec := newHelperExec("hang").trackPID(t)
	o := newTestOrchestrator(t, exec)
	ipsw, _ := writeIPSW(t)

	start := time.Now()
	res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{Timeout: 1500 * time.Millisecond})
	if !errdefs.IsTimeoutExceeded(err) {
		t.Fatalf("err = %v, want TimeoutExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Errorf("restore returned after %s; process was not killed", elapsed)
	}
	last := res.LastStep()
	if last == nil || last.Name != v1alpha1.StepTimeout || last.OK {
		t.Fatalf("last step = %+v, want failed timeout step", last)
	}
	if got := stepNames(res); len(got) < 3 || got[1] != v1alpha1.StepExtract {
		t.Errorf("steps = %v, want output before the deadline kept", got)
	}
	if res.Status != v1alpha1.StatusFailure {
		t.Errorf("status = %s, want failure", res.Status)
	}
	exec.assertExited(t)
}

func TestRestoreTimeoutKillsStubbornProcess(t *testing.T) {
	exec := newHelperExec("stubborn").trackPID(t)
	o := newTestOrchestrator(t, exec)
	o.killGrace = 300 * time.Millisecond
	ipsw, _ := writeIPSW(t)

	start := time.Now()
	res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{Timeout: 1500 * time.Millisecond})
	if !errdefs.IsTimeoutExceeded(err) {
		t.Fatalf("err = %v, want TimeoutExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Errorf("restore returned after %s; process was not killed", elapsed)
	}
	exec.assertExited(t)

	logText := assertLogFile(t, res)
	if !strings.Contains(logText, "after SIGTERM, killing it") {
		t.Errorf("run log does not record the kill:\n%s", logText)
	}
}

// cancelOnStep cancels the run as soon as a given step is recorded.
type cancelOnStep struct {
	step   string
	cancel context.CancelFunc
}

func (c cancelOnStep) StepRecorded(_ context.Context, _ string, step v1alpha1.RestoreStep) {
	if step.Name == c.step {
		c.cancel()
	}
}

func (cancelOnStep) Finished(context.Context, *v1alpha1.RestoreResult) {}

func TestRestoreInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newHelperExec("hang").trackPID(t)
	o := newTestOrchestrator(t, exec, WithObservers(cancelOnStep{step: v1alpha1.StepExtract, cancel: cancel}))
	ipsw, _ := writeIPSW(t)

	res, err := o.Restore(ctx, device.NewHandle(testUDID), ipsw, Options{})
	if !errdefs.IsInterrupted(err) {
		t.Fatalf("err = %v, want InterruptedError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want it to wrap context.Canceled", err)
	}
	want := []string{v1alpha1.StepValidate, v1alpha1.StepExtract, v1alpha1.StepInterrupted}
	if got := stepNames(res); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if res.Status != v1alpha1.StatusFailure {
		t.Errorf("status = %s, want failure", res.Status)
	}
	exec.assertExited(t)
}

// touchOnStep appends to a file when a given step is recorded.
type touchOnStep struct {
	step string
	path string
}

func (c touchOnStep) StepRecorded(_ context.Context, _ string, step v1alpha1.RestoreStep) {
	if step.Name != c.step {
		return
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return
	}
	_, _ = f.Write([]byte("tampered"))
	_ = f.Close()
}

func (touchOnStep) Finished(context.Context, *v1alpha1.RestoreResult) {}

func TestRestoreImageChanged(t *testing.T) {
	ipsw, _ := writeIPSW(t)
	o := newTestOrchestrator(t, newHelperExec("slow"), WithObservers(touchOnStep{step: v1alpha1.StepExtract, path: ipsw}))

	res, err := o.Restore(context.Background(), device.NewHandle(testUDID), ipsw, Options{})
	if !errdefs.IsRestoreProcess(err) {
		t.Fatalf("err = %v, want RestoreProcessError", err)
	}
	found := false
	for _, s := range res.Steps {
		if s.Name == v1alpha1.StepImageChanged {
			found = true
			if s.OK {
				t.Errorf("image-changed step marked ok")
			}
		}
	}
	if !found {
		t.Fatalf("steps = %v, want an image-changed step", stepNames(res))
	}
	if last := res.LastStep(); last.Name != v1alpha1.StepComplete {
		t.Errorf("last step = %s, want complete", last.Name)
	}
	if res.Status != v1alpha1.StatusFailure {
		t.Errorf("status = %s, want failure", res.Status)
	}
}

func TestRestoreSeparateLogs(t *testing.T) {
	o := newTestOrchestrator(t, newHelperExec("success"))
	ipsw, _ := writeIPSW(t)
	h := device.NewHandle(testUDID)

	first, err := o.Restore(context.Background(), h, ipsw, Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Restore(context.Background(), h, ipsw, Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if first.LogFile == second.LogFile {
		t.Errorf("two runs share log file %s", first.LogFile)
	}
}
