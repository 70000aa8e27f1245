package log

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSerialString(t *testing.T) {
	tests := []struct {
		in   Serial
		want string
	}{
		{"", "<UDID>"},
		{"abc", "<UDID>"},
		{"00008030-001A2B3C4D5E802E", "<UDID…802E>"},
		{"0123456789abcdef0123456789abcdef01234567", "<UDID…4567>"},
	}

	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Serial(%q).String() = %q, want %q", tt.in.Raw(), got, tt.want)
		}
	}
}

func TestRedactText(t *testing.T) {
	in := "Found device 0123456789abcdef0123456789abcdef01234567 in mode recovery"
	got := RedactText(in)
	if strings.Contains(got, "0123456789abcdef") {
		t.Fatalf("identifier leaked: %q", got)
	}
	if !strings.Contains(got, "<UDID>") {
		t.Fatalf("missing marker: %q", got)
	}
	if RedactText("no ids here") != "no ids here" {
		t.Fatal("plain text was altered")
	}
}

func TestSerialRedactedInLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewFromZap(zap.New(core))

	raw := "00008030-001A2B3C4D5E802E"
	l.Info("restore started", "udid", Serial(raw))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range entries[0].Context {
		f.AddTo(enc)
	}
	got, _ := enc.Fields["udid"].(string)
	if got == raw || !strings.HasPrefix(got, "<UDID") {
		t.Fatalf("udid field = %q, want redacted", got)
	}
}
