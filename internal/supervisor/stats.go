// Package supervisor implements the Supervisor/Health component (spec.md
// §4.6): the HTTP health/stats surface and the graceful shutdown sequence,
// grounded on the teacher's gin-based health check router
// (api/assistant-api/router/healthcheck.go).
package supervisor

import (
	"github.com/rapidaai/bridge/internal/device"
	"github.com/rapidaai/bridge/internal/echokit"
	"github.com/rapidaai/bridge/internal/mqttctl"
	"github.com/rapidaai/bridge/internal/session"
	"github.com/rapidaai/bridge/internal/udpio"
	"github.com/rapidaai/bridge/pkg/clock"
)

// StatsSnapshot is the JSON body of GET /stats (spec.md §4.6, §6): "active
// session count, EchoKit connection count, UDP packets in/out since start,
// dropped-frame counters, online-device gauge".
type StatsSnapshot struct {
	ActiveSessions     int   `json:"active_sessions"`
	EchoKitConnections int   `json:"echokit_connections"`
	PacketsReceived    int64 `json:"packets_received"`
	PacketsDropped     int64 `json:"packets_dropped"`
	BytesReceived      int64 `json:"bytes_received"`
	FramesSent         int64 `json:"frames_sent"`
	BytesSent          int64 `json:"bytes_sent"`
	SendFailures       int64 `json:"send_failures"`
	OnlineDevices      int   `json:"online_devices"`
}

// Aggregator pulls the live counters out of the running components into one
// StatsSnapshot, without owning or mutating any of them.
type Aggregator struct {
	ingress *udpio.Ingress
	egress  *udpio.Egress
	pool    *echokit.Pool
	manager *session.Manager
	devices *device.Registry
	mqtt    *mqttctl.Controller
	clk     clock.Clock
}

// NewAggregator constructs a stats Aggregator over the Bridge's live
// components.
func NewAggregator(ingress *udpio.Ingress, egress *udpio.Egress, pool *echokit.Pool, manager *session.Manager, devices *device.Registry, mqttController *mqttctl.Controller, clk clock.Clock) *Aggregator {
	return &Aggregator{
		ingress: ingress,
		egress:  egress,
		pool:    pool,
		manager: manager,
		devices: devices,
		mqtt:    mqttController,
		clk:     clk,
	}
}

// Snapshot reads every counter exactly once to produce a single consistent
// stats response.
func (a *Aggregator) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ActiveSessions:     a.manager.Count(),
		EchoKitConnections: a.pool.Count(),
		PacketsReceived:    a.ingress.Stats.PacketsReceived.Load(),
		PacketsDropped:     a.ingress.Stats.PacketsDropped.Load(),
		BytesReceived:      a.ingress.Stats.BytesReceived.Load(),
		FramesSent:         a.egress.Stats.FramesSent.Load(),
		BytesSent:          a.egress.Stats.BytesSent.Load(),
		SendFailures:       a.egress.Stats.SendFailures.Load(),
		OnlineDevices:      a.devices.OnlineCount(a.clk.Now()),
	}
}

// Healthy reports the three conditions spec.md §4.6 names for a healthy
// liveness response: the UDP socket is bound, the MQTT client is connected
// or reconnecting (paho keeps retrying in the background once Connect has
// been called once, so its mere presence here counts), and the Session
// Manager is accepting work (i.e. the Bridge isn't mid-shutdown).
func (a *Aggregator) Healthy(shuttingDown bool) bool {
	return a.ingress.Bound() && a.mqtt != nil && !shuttingDown
}
