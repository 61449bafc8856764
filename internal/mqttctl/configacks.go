package mqttctl

import (
	"sync"
	"time"

	"github.com/rapidaai/bridge/pkg/clock"
)

// pendingConfigAck is one outstanding config push awaiting device
// confirmation. Generalizes the claim/complete row-status idiom of the
// teacher's call context store (atomic transition guarded by a status
// check) from a Postgres row to an in-memory map entry.
type pendingConfigAck struct {
	payload  ConfigPayload
	deadline time.Time
}

// configAckTracker is the pending-ack table for the MQTT config round trip
// (spec.md §6): a config publish is "pending" until the device's
// config/ack arrives, or it expires and is dropped.
type configAckTracker struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]pendingConfigAck
}

func newConfigAckTracker(clk clock.Clock, ttl time.Duration) *configAckTracker {
	return &configAckTracker{
		clk:     clk,
		ttl:     ttl,
		pending: make(map[string]pendingConfigAck),
	}
}

// Track records that deviceID has an outstanding config push, overwriting
// any prior unconfirmed one (the newest config wins the ack).
func (t *configAckTracker) Track(deviceID string, payload ConfigPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[deviceID] = pendingConfigAck{payload: payload, deadline: t.clk.Now().Add(t.ttl)}
}

// Clear removes deviceID's pending entry, called on config/ack. Reports
// whether an entry existed and had not yet expired.
func (t *configAckTracker) Clear(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[deviceID]
	delete(t.pending, deviceID)
	if !ok {
		return false
	}
	return t.clk.Now().Before(entry.deadline)
}

// Pending reports whether deviceID currently has an unconfirmed config push.
func (t *configAckTracker) Pending(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[deviceID]
	if !ok {
		return false
	}
	return t.clk.Now().Before(entry.deadline)
}
