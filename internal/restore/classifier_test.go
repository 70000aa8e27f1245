package restore

import (
	"strings"
	"testing"
	"time"

	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

func TestClassifier(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{
			name:  "progress in order",
			lines: []string{"Extracting filesystem", "Sending RestoreImage", "Restoring image", "Flashing NOR", "Verifying", "Rebooting"},
			want:  []string{"extract", "send", "restore", "flash", "verify", "reboot"},
		},
		{
			name:  "each progress step once",
			lines: []string{"Extracting a", "Extracting b", "Flashing x", "flashing y"},
			want:  []string{"extract", "flash"},
		},
		{
			name:  "one line several steps",
			lines: []string{"Verifying and erasing data before reboot"},
			want:  []string{"verify", "reboot", "wipe"},
		},
		{
			name:  "wipe wording",
			lines: []string{"Erasing user data", "Wiping NAND", "Performing erase"},
			want:  []string{"wipe"},
		},
		{
			name:  "wipe is a whole word",
			lines: []string{"Checking eraser", "swipe"},
			want:  nil,
		},
		{
			name:  "every failure marker",
			lines: []string{"ERROR: one", "ERROR: two", "  ERROR: indented"},
			want:  []string{"error", "error", "error"},
		},
		{
			name:  "marker suppresses progress on the same line",
			lines: []string{"ERROR: Unable to extract filesystem"},
			want:  []string{"error"},
		},
		{
			name:  "tool name is not a restore step",
			lines: []string{"idevicerestore 1.0.0", "Sending RestoreImage"},
			want:  []string{"send"},
		},
		{
			name:  "blank and noise",
			lines: []string{"", "   ", "Checking BuildIdentity", "[=====     ] 50%"},
			want:  nil,
		},
		{
			name:  "error mid-line is not a marker",
			lines: []string{"no ERROR: here"},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier()
			var got []string
			for _, line := range tt.lines {
				for _, ev := range c.Classify(line) {
					if ev.OK == (ev.Step == v1alpha1.StepError) {
						t.Errorf("event %s has ok=%t", ev.Step, ev.OK)
					}
					got = append(got, ev.Step)
				}
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifierWipeVariants(t *testing.T) {
	for _, line := range []string{"Erasing device", "Wiping NAND", "Performing erase", "device erased", "Wipe requested"} {
		ev := NewClassifier().Classify(line)
		if len(ev) != 1 || ev[0].Step != v1alpha1.StepWipe {
			t.Errorf("Classify(%q) = %+v, want a single wipe step", line, ev)
		}
	}
}

func TestClassifierTruncates(t *testing.T) {
	ev := NewClassifier().Classify("ERROR: " + strings.Repeat("x", 1000))
	if len(ev) != 1 || len(ev[0].Message) > maxMessageLen+3 {
		t.Fatalf("message not truncated: %d bytes", len(ev[0].Message))
	}
}

func TestLogPath(t *testing.T) {
	now := time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)
	tests := []struct {
		udid string
		want string
	}{
		{"00008030-001A2B3C4D5E6F70", "logs/00008030-001A2B3C4D5E6F70/restore-20250309-140507-abcd1234.log"},
		{"../etc/passwd", "logs/.._etc_passwd/restore-20250309-140507-abcd1234.log"},
		{"", "logs/unknown/restore-20250309-140507-abcd1234.log"},
	}
	for _, tt := range tests {
		if got := logPath("logs", tt.udid, "abcd1234", now); got != tt.want {
			t.Errorf("logPath(%q) = %q, want %q", tt.udid, got, tt.want)
		}
	}
}

func TestOpenRunLogExclusive(t *testing.T) {
	p := logPath(t.TempDir(), "dev", "abcd1234", time.Now())
	l, err := openRunLog(p)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := openRunLog(p); err == nil {
		t.Fatal("second open of the same run log succeeded")
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":                    "''",
		"/fw/iPhone12,8.ipsw": "/fw/iPhone12,8.ipsw",
		"my firmware.ipsw":    "'my firmware.ipsw'",
		"it's":                `'it'"'"'s'`,
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
