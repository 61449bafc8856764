// Package udpio implements the UDP Ingress/Egress component (spec.md §4.1):
// a single bound UDP socket, a read loop that validates and hands off
// inbound frames, and an egress path that re-frames outbound audio back to
// a device's last-observed endpoint.
package udpio

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rapidaai/bridge/pkg/commons"
	"go.uber.org/atomic"
)

// Dispatcher receives a validated inbound frame plus the endpoint it arrived
// from, keyed by the wire session id. Implemented by the session manager;
// kept as a narrow interface here so udpio never imports the session
// package (avoids an import cycle and keeps Ingress unit-testable with a
// fake).
type Dispatcher interface {
	IngressFrame(ctx context.Context, sessionID string, frame Frame, endpoint *net.UDPAddr)
}

// Stats holds the lock-free counters Ingress maintains, read by the
// Supervisor's /stats endpoint (spec.md §4.6).
type Stats struct {
	PacketsReceived atomic.Int64
	PacketsDropped  atomic.Int64
	BytesReceived   atomic.Int64
}

// Ingress owns a single UDP socket and the read loop that validates inbound
// datagrams and hands them to a Dispatcher.
type Ingress struct {
	logger     commons.Logger
	dispatcher Dispatcher
	conn       *net.UDPConn
	bindAddr   string
	closed     atomic.Bool

	Stats Stats
}

// NewIngress binds the UDP socket at bindAddr. A bind failure here is
// process-fatal per spec.md §4.1 ("persistent bind failure at startup is
// fatal") — callers should treat a non-nil error as grounds to exit.
func NewIngress(bindAddr string, dispatcher Dispatcher, logger commons.Logger) (*Ingress, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(1024 * 1024)

	return &Ingress{
		logger:     logger,
		dispatcher: dispatcher,
		conn:       conn,
		bindAddr:   bindAddr,
	}, nil
}

// Bound reports whether the UDP socket is still open, consulted by the
// Supervisor's health check (spec.md §4.6).
func (i *Ingress) Bound() bool {
	return i.conn != nil && !i.closed.Load()
}

// Conn returns the underlying socket so Egress can share it: UDP is
// connectionless, so one *net.UDPConn safely serves both read and write
// directions of the Bridge.
func (i *Ingress) Conn() *net.UDPConn {
	return i.conn
}

// Close closes the underlying socket.
func (i *Ingress) Close() error {
	if i.conn == nil {
		return nil
	}
	i.closed.Store(true)
	return i.conn.Close()
}

// Run reads datagrams until ctx is cancelled or the socket closes. Read
// errors other than a clean close restart the loop with exponential backoff
// capped at one second (spec.md §4.1 failure semantics).
func (i *Ingress) Run(ctx context.Context) {
	backoff := 10 * time.Millisecond
	const maxBackoff = time.Second

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			i.logger.Warnw("udp read error, backing off", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 10 * time.Millisecond

		i.Stats.PacketsReceived.Inc()
		i.Stats.BytesReceived.Add(int64(n))

		frame, err := Decode(buf[:n])
		if err != nil {
			i.Stats.PacketsDropped.Inc()
			i.logger.Debugf("dropping malformed udp frame from %s: %v", addr, err)
			continue
		}

		// Decode aliases buf; the frame must be copied out before the next
		// ReadFromUDP overwrites the backing array, since dispatch may
		// outlive this loop iteration (the per-session jitter buffer holds
		// the frame until it is released).
		payload := make([]byte, len(frame.Payload))
		copy(payload, frame.Payload)
		frame.Payload = payload

		deviceAddr := &net.UDPAddr{IP: append(net.IP(nil), addr.IP...), Port: addr.Port, Zone: addr.Zone}
		i.dispatcher.IngressFrame(ctx, SessionIDString(frame.SessionID), frame, deviceAddr)
	}
}
