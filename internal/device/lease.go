package device

import (
	"sync"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
)

// Leases grants at most one in-flight transition or restore per UDID.
// A second request is rejected, not queued.
type Leases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLeases returns an empty lease table.
func NewLeases() *Leases {
	return &Leases{held: make(map[string]struct{})}
}

// Acquire takes the lease for udid. The returned release func is idempotent.
func (l *Leases) Acquire(udid string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[udid]; busy {
		return nil, &errdefs.DeviceBusyError{UDID: udid}
	}
	l.held[udid] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, udid)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether udid currently has an active lease.
func (l *Leases) Held(udid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[udid]
	return ok
}
