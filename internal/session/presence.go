package session

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/fruitsalade/previewsync/internal/protocol"
)

// DeviceSet is the set of connected preview devices, keyed by ID.
type DeviceSet struct {
	mu      sync.RWMutex
	devices map[string]protocol.Device
}

// NewDeviceSet creates an empty set.
func NewDeviceSet() *DeviceSet {
	return &DeviceSet{devices: make(map[string]protocol.Device)}
}

// Add inserts or refreshes d. It reports whether d was new.
func (s *DeviceSet) Add(d protocol.Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.devices[d.ID]
	s.devices[d.ID] = d
	return !existed
}

// Remove deletes the device with id. It reports whether it was present.
func (s *DeviceSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.devices[id]
	delete(s.devices, id)
	return existed
}

// List returns the devices sorted by ID.
func (s *DeviceSet) List() []protocol.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.devices))
	slices.SortFunc(out, func(a, b protocol.Device) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of devices.
func (s *DeviceSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Platforms reports whether any device is a web runtime and whether any
// is a native one.
func (s *DeviceSet) Platforms() (web, native bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Platform == protocol.PlatformWeb {
			web = true
		} else {
			native = true
		}
	}
	return web, native
}

// presenceAdds reports whether a presence action adds its device to the
// set. Direct-channel connect and disconnect both add: disconnects are
// not distinguished from connects on that path.
func presenceAdds(action string) bool {
	switch action {
	case protocol.PresenceJoin, protocol.PresenceConnect, protocol.PresenceDisconnect:
		return true
	default:
		return false
	}
}

// directAction maps hub presence on the direct channel to its lifecycle
// action.
func directAction(action string) string {
	switch action {
	case protocol.PresenceJoin:
		return protocol.PresenceConnect
	case protocol.PresenceLeave, protocol.PresenceTimeout:
		return protocol.PresenceDisconnect
	default:
		return action
	}
}
