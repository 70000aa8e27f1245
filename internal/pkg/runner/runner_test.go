package runner

import (
	"context"
	"errors"
	"testing"

	utilexec "k8s.io/utils/exec"
	fakeexec "k8s.io/utils/exec/testing"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
)

func lookPathOK(file string) (string, error) { return "/usr/bin/" + file, nil }

func TestRunCapturesOutput(t *testing.T) {
	tests := []struct {
		name     string
		action   fakeexec.FakeAction
		wantCode int
		wantOut  string
		wantErr  bool
	}{
		{
			name:    "success",
			action:  func() ([]byte, []byte, error) { return []byte("CPID: 0x8030\nMODE: Recovery\n"), nil, nil },
			wantOut: "CPID: 0x8030\nMODE: Recovery\n",
		},
		{
			name:     "non-zero exit is not an error",
			action:   func() ([]byte, []byte, error) { return nil, []byte("no device"), &fakeexec.FakeExitError{Status: 255} },
			wantCode: 255,
		},
		{
			name:     "start failure",
			action:   func() ([]byte, []byte, error) { return nil, nil, errors.New("permission denied") },
			wantCode: -1,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fcmd := &fakeexec.FakeCmd{RunScript: []fakeexec.FakeAction{tt.action}}
			fexec := &fakeexec.FakeExec{
				LookPathFunc: lookPathOK,
				CommandScript: []fakeexec.FakeCommandAction{
					func(cmd string, args ...string) utilexec.Cmd { return fakeexec.InitFakeCmd(fcmd, cmd, args...) },
				},
			}

			res, err := New(fexec).Run(context.Background(), "irecovery", "-q")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if res.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", res.Code, tt.wantCode)
			}
			if res.Stdout != tt.wantOut {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.wantOut)
			}
			if got := fcmd.RunLog[0]; len(got) != 2 || got[0] != "/usr/bin/irecovery" || got[1] != "-q" {
				t.Errorf("argv = %v", got)
			}
		})
	}
}

func TestRunToolMissing(t *testing.T) {
	fexec := &fakeexec.FakeExec{
		LookPathFunc: func(string) (string, error) { return "", utilexec.ErrExecutableNotFound },
	}

	_, err := New(fexec).Run(context.Background(), "idevicerestore")
	if !errdefs.IsToolMissing(err) {
		t.Fatalf("Run() error = %v, want ToolMissingError", err)
	}
	if fexec.CommandCalls != 0 {
		t.Errorf("command launched %d times for a missing tool", fexec.CommandCalls)
	}
}
