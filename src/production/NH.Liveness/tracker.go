package liveness

import (
	"sort"
	"sync"
	"time"

	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

// Tracker is the in-memory status table of devices seen by the relay.
// Devices that were never seen report offline.
type Tracker struct {
	mu      sync.RWMutex
	devices map[string]nhmodels.DeviceLiveness
}

func NewTracker() *Tracker {
	return &Tracker{devices: make(map[string]nhmodels.DeviceLiveness)}
}

// MarkOnline sets the device online and advances lastSeen to at if at is
// newer. It reports whether the status changed from offline/unknown.
func (t *Tracker) MarkOnline(deviceID string, at time.Time) (nhmodels.DeviceLiveness, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.devices[deviceID]
	changed := !ok || cur.Status != nhmodels.DeviceOnline

	cur.DeviceID = deviceID
	cur.Status = nhmodels.DeviceOnline
	if at.After(cur.LastSeen) {
		cur.LastSeen = at
	}
	t.devices[deviceID] = cur
	return cur, changed
}

// MarkOffline reports whether the device was online
func (t *Tracker) MarkOffline(deviceID string) (nhmodels.DeviceLiveness, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.devices[deviceID]
	if !ok || cur.Status != nhmodels.DeviceOnline {
		return cur, false
	}
	cur.Status = nhmodels.DeviceOffline
	t.devices[deviceID] = cur
	return cur, true
}

func (t *Tracker) Status(deviceID string) nhmodels.DeviceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cur, ok := t.devices[deviceID]; ok {
		return cur.Status
	}
	return nhmodels.DeviceOffline
}

func (t *Tracker) Get(deviceID string) (nhmodels.DeviceLiveness, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur, ok := t.devices[deviceID]
	return cur, ok
}

// Snapshot returns all known devices ordered by ID
func (t *Tracker) Snapshot() []nhmodels.DeviceLiveness {
	t.mu.RLock()
	out := make([]nhmodels.DeviceLiveness, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, d := range t.devices {
		if d.Status == nhmodels.DeviceOnline {
			n++
		}
	}
	return n
}

// ExpireBefore marks offline every online device last seen before cutoff and
// returns them.
func (t *Tracker) ExpireBefore(cutoff time.Time) []nhmodels.DeviceLiveness {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []nhmodels.DeviceLiveness
	for id, d := range t.devices {
		if d.Status == nhmodels.DeviceOnline && d.LastSeen.Before(cutoff) {
			d.Status = nhmodels.DeviceOffline
			t.devices[id] = d
			expired = append(expired, d)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].DeviceID < expired[j].DeviceID })
	return expired
}
