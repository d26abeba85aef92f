package poller

import (
	"sync"

	"codeberg.org/mutker/modmon/internal/device"
)

// snapshotRegistry holds the latest snapshot per device. Each slot has exactly
// one writer (the device's worker); readers take copies under the lock.
type snapshotRegistry struct {
	mu    sync.RWMutex
	slots map[string]device.Snapshot
}

func newSnapshotRegistry() *snapshotRegistry {
	return &snapshotRegistry{
		slots: make(map[string]device.Snapshot),
	}
}

func (r *snapshotRegistry) publish(snap device.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[snap.DeviceName] = snap
}

func (r *snapshotRegistry) remove(deviceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.slots, deviceName)
}

// all returns a copy of every published snapshot. Devices that have not
// produced a reading yet have no slot and do not appear.
func (r *snapshotRegistry) all() map[string]device.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]device.Snapshot, len(r.slots))
	for name, snap := range r.slots {
		out[name] = snap
	}

	return out
}
