// Package device models attached devices and the probes that observe them.
package device

import (
	"strings"
	"sync"

	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

// Handle is the process-local reference to one physical device.
// Operations that change the device must hold its lease (see Leases).
type Handle struct {
	UDID      string
	Transport v1alpha1.Connection

	mu   sync.RWMutex
	mode v1alpha1.Mode
}

// NewHandle returns a USB handle with an unknown mode.
func NewHandle(udid string) *Handle {
	return &Handle{
		UDID:      strings.TrimSpace(udid),
		Transport: v1alpha1.ConnectionUSB,
		mode:      v1alpha1.ModeUnknown,
	}
}

// Mode returns the last observed mode. It is always one of the enumerated values.
func (h *Handle) Mode() v1alpha1.Mode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// SetMode records an observation; anything outside the enumeration becomes unknown.
func (h *Handle) SetMode(m v1alpha1.Mode) {
	h.mu.Lock()
	h.mode = v1alpha1.ParseMode(string(m))
	h.mu.Unlock()
}

// Serial returns the identifier in its log-safe form.
func (h *Handle) Serial() log.Serial {
	return log.Serial(h.UDID)
}
