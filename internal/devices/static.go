package devices

import (
	"context"
	"sync"
)

// StaticDirectory serves a fixed device list from configuration. Events applied through
// Apply keep it in step so a resync does not resurrect deactivated devices.
type StaticDirectory struct {
	mu      sync.RWMutex
	devices map[string]Device
	order   []string
}

func NewStaticDirectory(devs []Device) *StaticDirectory {
	s := &StaticDirectory{devices: make(map[string]Device)}
	for _, d := range devs {
		if d.Status == "" {
			d.Status = StatusActive
		}
		s.put(d)
	}
	return s
}

func (s *StaticDirectory) put(d Device) {
	if _, ok := s.devices[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.devices[d.ID] = d
}

func (s *StaticDirectory) ActiveDevices(ctx context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]Device, 0, len(s.devices))
	for _, id := range s.order {
		if d, ok := s.devices[id]; ok && d.Active() {
			active = append(active, d)
		}
	}
	return active, nil
}

func (s *StaticDirectory) Apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Type == EventDeleted {
		delete(s.devices, ev.Device.ID)
		for i, id := range s.order {
			if id == ev.Device.ID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return
	}
	s.put(ev.Device)
}
