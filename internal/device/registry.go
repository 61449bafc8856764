// Package device tracks device identity, last-observed network endpoint,
// and liveness, per spec.md §3's Device data model. It is the only place
// that resolves a device id to a UDP address; every egress send and every
// wake dispatch goes through it.
package device

import (
	"net"
	"sync"
	"time"
)

// OnlineThreshold is how recently a packet must have arrived for the device
// to be reported online (spec.md §3: "online flag derived from recent
// packet arrival").
const OnlineThreshold = 30 * time.Second

// Device is a device's view as held by the Bridge: identity, last endpoint,
// last-seen time, and the firmware/protocol version it last announced.
type Device struct {
	ID              string
	Endpoint        *net.UDPAddr
	LastSeen        time.Time
	ProtocolVersion int
}

// Online reports whether the device has been heard from within
// OnlineThreshold of now.
func (d Device) Online(now time.Time) bool {
	return now.Sub(d.LastSeen) <= OnlineThreshold
}

// Registry is the device id -> Device map, guarded by a single RWMutex
// (spec.md §5: "the session table and device-endpoint map are guarded by
// fine-grained locks or a single-writer/multiple-reader primitive").
type Registry struct {
	mu          sync.RWMutex
	devices     map[string]*Device
	provisioned map[string]struct{}
}

// NewRegistry constructs an empty device registry. Until SetProvisionList is
// called, every device id is treated as provisioned (open access).
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// SetProvisionList installs the static allowlist of provisioned device ids
// (spec.md §4.4: "openSession fails if device is not provisioned"). Bridge
// has no device-management API of its own (Non-goals); provisioning is an
// external fact fed in once at startup from configuration. An empty or nil
// list leaves the registry in open-access mode, accepting any device id —
// the same behavior as before a list is set.
func (r *Registry) SetProvisionList(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(ids) == 0 {
		r.provisioned = nil
		return
	}
	r.provisioned = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r.provisioned[id] = struct{}{}
	}
}

// IsProvisioned reports whether id is allowed to open a session. Always true
// in open-access mode (no allowlist has been set).
func (r *Registry) IsProvisioned(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.provisioned == nil {
		return true
	}
	_, ok := r.provisioned[id]
	return ok
}

// Touch records that id was observed at endpoint at time now, creating the
// device record if it is not already known. Implements invariant 3: "the
// last-observed endpoint for a device is updated on every validated inbound
// packet; egress uses only the latest value".
func (r *Registry) Touch(id string, endpoint *net.UDPAddr, now time.Time) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		d = &Device{ID: id}
		r.devices[id] = d
	}
	d.Endpoint = endpoint
	d.LastSeen = now
	return d
}

// SetProtocolVersion records the protocol version a device last announced,
// creating the device record if it is not already known.
func (r *Registry) SetProtocolVersion(id string, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		d = &Device{ID: id}
		r.devices[id] = d
	}
	d.ProtocolVersion = version
}

// Get returns the device record for id, if any.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Endpoint returns the last-observed endpoint for a device, used by UDP
// Egress to route outbound audio (spec.md §4.1).
func (r *Registry) Endpoint(id string) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok || d.Endpoint == nil {
		return nil, false
	}
	return d.Endpoint, true
}

// Known reports whether the registry holds a record for id, created by Touch
// or SetProtocolVersion. The MQTT wake handler uses it to log a device's
// first wake; inbound UDP frames for unknown sessions are dropped without
// consulting it.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// OnlineCount returns the number of devices seen within OnlineThreshold of
// now, feeding the Supervisor's "online-device gauge" (spec.md §4.6).
func (r *Registry) OnlineCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, d := range r.devices {
		if d.Online(now) {
			count++
		}
	}
	return count
}
