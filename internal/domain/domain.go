// Package domain provides the shared device model of the go-sunwatch
// application: per-device status plus the registry the pollers feed and the
// HTTP API reads.
package domain

import (
	"sort"
	"sync"
	"time"

	"github.com/sundial-energy/go-sunwatch/internal/decode"
	"github.com/sundial-energy/go-sunwatch/internal/detect"
	"github.com/sundial-energy/go-sunwatch/internal/resilience"
)

// DeviceStatus is the externally visible state of one polled inverter.
type DeviceStatus struct {
	ID         string           `json:"id"`
	Addr       string           `json:"addr"`
	Model      string           `json:"model,omitempty"`
	Family     string           `json:"family,omitempty"`
	Confidence string           `json:"confidence"`
	Method     string           `json:"detection_method,omitempty"`
	LastCycle  time.Time        `json:"last_cycle,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	Cycles     int64            `json:"cycles"`
	Link       resilience.Stats `json:"link"`
}

type deviceEntry struct {
	status   DeviceStatus
	identity detect.Identity
	snapshot *decode.Snapshot
}

// DeviceRegistry tracks every configured device and its latest poll results.
// Safe for concurrent use: pollers write, API handlers read.
type DeviceRegistry struct {
	mutex   sync.RWMutex
	devices map[string]*deviceEntry
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*deviceEntry),
	}
}

// Register adds a device. Registering an existing ID resets its state.
func (r *DeviceRegistry) Register(id, addr string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.devices[id] = &deviceEntry{
		status: DeviceStatus{ID: id, Addr: addr, Confidence: detect.None.String()},
	}
}

// SetIdentity records the outcome of device detection.
func (r *DeviceRegistry) SetIdentity(id string, identity detect.Identity, model string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	entry, ok := r.devices[id]
	if !ok {
		return
	}
	entry.identity = identity
	entry.status.Family = identity.Family
	entry.status.Confidence = identity.Confidence.String()
	entry.status.Method = identity.Method
	entry.status.Model = model
}

// RecordCycle stores the snapshot of a successful poll cycle.
func (r *DeviceRegistry) RecordCycle(id string, snap *decode.Snapshot, stats resilience.Stats) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	entry, ok := r.devices[id]
	if !ok {
		return
	}
	entry.snapshot = snap
	entry.status.LastCycle = time.Now()
	entry.status.LastError = ""
	entry.status.Cycles++
	entry.status.Link = stats
}

// RecordError stores a failed poll cycle. The previous snapshot stays
// available; staleness shows through LastCycle.
func (r *DeviceRegistry) RecordError(id string, err error, stats resilience.Stats) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	entry, ok := r.devices[id]
	if !ok {
		return
	}
	entry.status.LastError = err.Error()
	entry.status.Link = stats
}

// Status returns the status of one device.
func (r *DeviceRegistry) Status(id string) (DeviceStatus, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	entry, ok := r.devices[id]
	if !ok {
		return DeviceStatus{}, false
	}
	return entry.status, true
}

// Snapshot returns the latest snapshot of one device, nil when no cycle has
// completed yet.
func (r *DeviceRegistry) Snapshot(id string) (*decode.Snapshot, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	entry, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return entry.snapshot, true
}

// Identity returns the detection result of one device.
func (r *DeviceRegistry) Identity(id string) (detect.Identity, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	entry, ok := r.devices[id]
	if !ok {
		return detect.Identity{}, false
	}
	return entry.identity, true
}

// All returns every device status, ordered by ID.
func (r *DeviceRegistry) All() []DeviceStatus {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]DeviceStatus, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, entry.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered devices.
func (r *DeviceRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.devices)
}
