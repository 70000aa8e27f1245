package device

import (
	"strings"

	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

// USB identifiers used to classify a descriptor without talking to the device.
const (
	AppleVendorID uint16 = 0x05ac

	// iBoot recovery mode.
	PIDRecoveryFirst uint16 = 0x1280
	PIDRecoveryLast  uint16 = 0x1283

	// SecureROM DFU mode.
	PIDDFU       uint16 = 0x1227
	PIDDFULegacy uint16 = 0x1222
)

// ClassifyUSB maps a descriptor to a mode. Recovery and DFU are identified by
// product ID; their serial string carries the ECID, and when both it and a
// CPID-ECID style udid are known they must agree. Any other Apple product
// counts as normal only when its serial matches udid, since hubs, keyboards
// and such share the vendor ID.
func ClassifyUSB(vendor, product uint16, serial, udid string) v1alpha1.Mode {
	if vendor != AppleVendorID {
		return v1alpha1.ModeUnknown
	}

	var mode v1alpha1.Mode
	switch {
	case product == PIDDFU || product == PIDDFULegacy:
		mode = v1alpha1.ModeDFU
	case product >= PIDRecoveryFirst && product <= PIDRecoveryLast:
		mode = v1alpha1.ModeRecovery
	case udid != "" && sameSerial(serial, udid):
		return v1alpha1.ModeNormal
	default:
		return v1alpha1.ModeUnknown
	}

	have, want := serialECID(serial), udidECID(udid)
	if have != "" && want != "" && have != want {
		return v1alpha1.ModeUnknown
	}
	return mode
}

// serialECID extracts the ECID field of an iBoot/SecureROM serial string
// ("CPID:8030 ... ECID:001A2B3C4D5E802E ...").
func serialECID(serial string) string {
	for _, field := range strings.Fields(serial) {
		if v, ok := strings.CutPrefix(field, "ECID:"); ok {
			return normHex(v)
		}
	}
	return ""
}

// udidECID returns the ECID half of a "CPID-ECID" udid, or "" for legacy udids.
func udidECID(udid string) string {
	_, ecid, ok := strings.Cut(strings.TrimSpace(udid), "-")
	if !ok {
		return ""
	}
	return normHex(ecid)
}

func normHex(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

func sameSerial(a, b string) bool {
	norm := func(s string) string { return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) }
	return a != "" && norm(a) == norm(b)
}
