package app

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autopeer-io/devicekit/internal/device"
	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/internal/pkg/runner/runnertest"
	"github.com/autopeer-io/devicekit/internal/toolkit"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/app"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, fake *runnertest.Fake, args ...string) result {
	t.Helper()
	factory := func(cfg *toolkit.Config, opts ...toolkit.Option) *toolkit.Service {
		return toolkit.New(*cfg, nil, nil, append(opts, toolkit.WithRunner(fake))...)
	}
	a := newApp(factory)

	var stdout, stderr bytes.Buffer
	cmd := a.Command()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	base := []string{
		"--restore.log-dir", t.TempDir(),
		"--restore.min-disk-gb=0",
		"--restore.tool", "dkit-test-no-such-restore-tool",
		"--detect.timeout=50ms",
		"--detect.interval=10ms",
		"--detect.cap=10ms",
	}
	cmd.SetArgs(append(args, base...))

	err := a.Run(context.Background())
	return result{code: app.ExitCode(err), stdout: stdout.String(), stderr: stderr.String()}
}

func writeImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fw.ipsw")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	if _, err := zw.Create("Firmware/"); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestListJSONNoDevices(t *testing.T) {
	fake := runnertest.New().On("idevice_id -l", runnertest.Exit(1, ""))
	r := run(t, fake, "list", "--json")
	if r.code != 0 {
		t.Fatalf("exit = %d, stderr = %s", r.code, r.stderr)
	}
	if strings.TrimSpace(r.stdout) != "[]" {
		t.Errorf("stdout = %q, want []", r.stdout)
	}
}

func TestListReportsMissingTools(t *testing.T) {
	fake := runnertest.New()
	fake.Missing[device.ToolDeviceID] = true

	r := run(t, fake, "list", "--json")
	if r.code != exitToolMissing {
		t.Fatalf("exit = %d, want %d", r.code, exitToolMissing)
	}
	var p errorPayload
	if err := json.Unmarshal([]byte(r.stdout), &p); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, r.stdout)
	}
	if p.Error == "" || len(p.MissingTools) != 1 || p.MissingTools[0] != device.ToolDeviceID {
		t.Errorf("payload = %+v", p)
	}
}

func TestInfoNoDevice(t *testing.T) {
	fake := runnertest.New().On("idevice_id -l", runnertest.Exit(1, ""))
	if r := run(t, fake, "info", "--json"); r.code != exitNoDevice {
		t.Errorf("exit = %d, want %d", r.code, exitNoDevice)
	}
}

func TestUnknownActionsAreUsageErrors(t *testing.T) {
	for _, args := range [][]string{{"recovery", "reboot"}, {"diag", "wifi"}} {
		r := run(t, runnertest.New(), args...)
		if r.code != app.ExitUsage {
			t.Errorf("%v: exit = %d, want %d", args, r.code, app.ExitUsage)
		}
		if !strings.Contains(r.stderr, "unknown") {
			t.Errorf("%v: stderr = %q", args, r.stderr)
		}
	}
}

func TestFlashLatestRejected(t *testing.T) {
	r := run(t, runnertest.New(), "flash", "--latest", "--json")
	if r.code != errdefs.ExitValidation {
		t.Fatalf("exit = %d, want %d", r.code, errdefs.ExitValidation)
	}
	var p errorPayload
	if err := json.Unmarshal([]byte(r.stdout), &p); err != nil {
		t.Fatal(err)
	}
	if p.Reason != string(errdefs.Unsupported) {
		t.Errorf("reason = %q", p.Reason)
	}
}

func TestFlashPreflightOnly(t *testing.T) {
	fake := runnertest.New().On("idevice_id -l", runnertest.Exit(1, ""))
	r := run(t, fake, "flash", "--ipsw", writeImage(t), "--preflight-only", "--json")
	if r.code != 0 {
		t.Fatalf("exit = %d, stderr = %s", r.code, r.stderr)
	}
	var res v1alpha1.RestoreResult
	if err := json.Unmarshal([]byte(r.stdout), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != v1alpha1.StatusSuccess || len(res.Steps) != 1 || res.Steps[0].Name != v1alpha1.StepValidate {
		t.Errorf("result = %+v", res)
	}
}

func TestFlashMissingImageIsValidationFailure(t *testing.T) {
	fake := runnertest.New().On("idevice_id -l", runnertest.Exit(1, ""))
	r := run(t, fake, "flash", "--ipsw", filepath.Join(t.TempDir(), "none.ipsw"), "--dry-run")
	if r.code != errdefs.ExitValidation {
		t.Errorf("exit = %d, want %d", r.code, errdefs.ExitValidation)
	}
	if !strings.Contains(r.stdout, "Status: failure") {
		t.Errorf("stdout = %q", r.stdout)
	}
}

func TestIPSWVerify(t *testing.T) {
	img := writeImage(t)
	if r := run(t, runnertest.New(), "ipsw", "verify", img); r.code != 0 {
		t.Errorf("valid image: exit = %d, stderr = %s", r.code, r.stderr)
	}
	r := run(t, runnertest.New(), "ipsw", "verify", img, "--sha", strings.Repeat("0", 40), "--json")
	if r.code != errdefs.ExitValidation {
		t.Errorf("hash mismatch: exit = %d, want %d", r.code, errdefs.ExitValidation)
	}
	if !strings.Contains(r.stdout, `"valid": false`) {
		t.Errorf("stdout = %s", r.stdout)
	}
}

func TestDFUGuideJSON(t *testing.T) {
	r := run(t, runnertest.New(), "dfu", "guide", "--model", "iPhone12,8", "--json")
	if r.code != 0 {
		t.Fatalf("exit = %d, stderr = %s", r.code, r.stderr)
	}
	if !strings.Contains(r.stdout, `"product_type": "iPhone12,8"`) {
		t.Errorf("stdout = %s", r.stdout)
	}
	if r := run(t, runnertest.New(), "dfu", "guide"); r.code != app.ExitUsage {
		t.Errorf("no model: exit = %d, want %d", r.code, app.ExitUsage)
	}
}

func TestVersion(t *testing.T) {
	r := run(t, runnertest.New(), "version", "--json")
	if r.code != 0 || !strings.Contains(r.stdout, Version) {
		t.Errorf("exit = %d, stdout = %q", r.code, r.stdout)
	}
}
