package log

import (
	"regexp"
	"strings"
)

// serialPattern matches hex device identifiers (classic 40-char UDIDs, 24/25-char
// modern ones with the dash removed, ECIDs).
var serialPattern = regexp.MustCompile(`\b[a-fA-F0-9]{8,40}\b`)

// Serial is a device identifier that redacts itself when formatted.
// Pass it as a value in key-value pairs; the redaction happens when the
// entry is encoded, so disabled log levels never pay for it.
type Serial string

// String returns the redacted form: a fixed marker plus the last four characters,
// which is enough to tell devices apart on one host.
func (s Serial) String() string {
	v := strings.ReplaceAll(string(s), "-", "")
	if len(v) <= 4 {
		return "<UDID>"
	}
	return "<UDID…" + v[len(v)-4:] + ">"
}

// Raw returns the unredacted identifier.
func (s Serial) Raw() string { return string(s) }

// RedactText replaces every identifier-looking token in free text.
func RedactText(s string) string {
	return serialPattern.ReplaceAllString(s, "<UDID>")
}
