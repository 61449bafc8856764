package device

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_TouchThenEndpoint(t *testing.T) {
	r := NewRegistry()
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 7000}
	now := time.Unix(0, 0)

	r.Touch("dev-1", addr, now)

	got, ok := r.Endpoint("dev-1")
	assert.True(t, ok)
	assert.Equal(t, addr, got)
}

func TestRegistry_OnlineReflectsRecentActivity(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)
	r.Touch("dev-1", nil, now)

	d, ok := r.Get("dev-1")
	assert.True(t, ok)
	assert.True(t, d.Online(now.Add(OnlineThreshold-time.Second)))
	assert.False(t, d.Online(now.Add(OnlineThreshold+time.Second)))
}

func TestRegistry_IsProvisionedDefaultsToOpenAccess(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.IsProvisioned("any-device"))
}

func TestRegistry_SetProvisionListRestrictsToAllowlist(t *testing.T) {
	r := NewRegistry()
	r.SetProvisionList([]string{"dev-1", "dev-2"})

	assert.True(t, r.IsProvisioned("dev-1"))
	assert.True(t, r.IsProvisioned("dev-2"))
	assert.False(t, r.IsProvisioned("dev-3"))
}

func TestRegistry_SetProvisionListEmptyRestoresOpenAccess(t *testing.T) {
	r := NewRegistry()
	r.SetProvisionList([]string{"dev-1"})
	assert.False(t, r.IsProvisioned("dev-2"))

	r.SetProvisionList(nil)
	assert.True(t, r.IsProvisioned("dev-2"))
}

func TestRegistry_KnownReflectsPriorTouch(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Known("dev-1"))
	r.Touch("dev-1", nil, time.Unix(0, 0))
	assert.True(t, r.Known("dev-1"))
}
