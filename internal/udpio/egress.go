package udpio

import (
	"fmt"
	"net"

	"github.com/rapidaai/bridge/pkg/commons"
	"go.uber.org/atomic"
)

// EndpointResolver looks up a device's last-observed UDP endpoint. Satisfied
// by *device.Registry; narrowed to an interface so Egress can be tested
// without constructing a real registry.
type EndpointResolver interface {
	Endpoint(deviceID string) (*net.UDPAddr, bool)
}

// OutboundFrame is a unit of audio the Session Manager hands to Egress for
// delivery to a device.
type OutboundFrame struct {
	DeviceID  string
	SessionID [SessionIDSize]byte
	Sequence  uint32
	Timestamp uint64
	Payload   []byte
}

// EgressStats are the lock-free counters read by the Supervisor's /stats
// endpoint (spec.md §4.6).
type EgressStats struct {
	FramesSent   atomic.Int64
	BytesSent    atomic.Int64
	SendFailures atomic.Int64
	NoEndpoint   atomic.Int64
}

// Egress re-frames outbound audio and sends it to a device's last-observed
// endpoint over the shared UDP socket. A send failure or an unknown
// endpoint is logged and counted; it never tears down the owning session
// (spec.md §4.1: "an egress send failure ... does not by itself end the
// session — it is logged and counted").
type Egress struct {
	logger   commons.Logger
	conn     *net.UDPConn
	devices  EndpointResolver

	Stats EgressStats
}

// NewEgress builds an Egress that writes out through conn (the same socket
// Ingress reads from — UDP is connectionless, so egress and ingress safely
// share one *net.UDPConn).
func NewEgress(conn *net.UDPConn, devices EndpointResolver, logger commons.Logger) *Egress {
	return &Egress{logger: logger, conn: conn, devices: devices}
}

// Send encodes f and writes it to the device's last-observed endpoint.
func (e *Egress) Send(f OutboundFrame) error {
	endpoint, ok := e.devices.Endpoint(f.DeviceID)
	if !ok {
		e.Stats.NoEndpoint.Inc()
		e.logger.Debugf("egress: no known endpoint for device %s, dropping frame", f.DeviceID)
		return fmt.Errorf("udpio: no known endpoint for device %s", f.DeviceID)
	}

	buf := Encode(Frame{
		SessionID: f.SessionID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Payload:   f.Payload,
	})

	n, err := e.conn.WriteToUDP(buf, endpoint)
	if err != nil {
		e.Stats.SendFailures.Inc()
		e.logger.Warnw("egress send failed", "device", f.DeviceID, "endpoint", endpoint.String(), "error", err)
		return fmt.Errorf("udpio: send to %s: %w", endpoint, err)
	}

	e.Stats.FramesSent.Inc()
	e.Stats.BytesSent.Add(int64(n))
	return nil
}
