// Package throttle decides whether a device message may continue to the backend, based on
// the time since that device's last forwarded message.
package throttle

import (
	"sync"
	"time"
)

// Gate holds last-forwarded timestamps per device. State is in memory only; after a restart
// every device's first message passes.
type Gate struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func New() *Gate {
	return &Gate{
		last: make(map[string]time.Time),
	}
}

// Allow reports whether a message for deviceID arriving at now may be forwarded.
// intervalSeconds <= 0 means the device is unthrottled. An allowed message records now as
// the device's last forward; a refused one leaves state untouched.
func (g *Gate) Allow(deviceID string, intervalSeconds int, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if intervalSeconds > 0 {
		if last, seen := g.last[deviceID]; seen {
			if now.Sub(last) < time.Duration(intervalSeconds)*time.Second {
				return false
			}
		}
	}
	g.last[deviceID] = now
	return true
}

// LastForwarded returns the last allowed time for deviceID.
func (g *Gate) LastForwarded(deviceID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[deviceID]
	return t, ok
}

func (g *Gate) Forget(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, deviceID)
}

func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = make(map[string]time.Time)
}

func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
