package supervisor

import (
	"context"
	"time"

	"github.com/rapidaai/bridge/internal/mqttctl"
	"github.com/rapidaai/bridge/internal/session"
	"github.com/rapidaai/bridge/internal/udpio"
	"github.com/rapidaai/bridge/pkg/commons"
)

// Shutdowner runs the graceful shutdown sequence of spec.md §4.6: "stop MQTT
// subscriptions, mark sessions Draining, drain egress buffers with a
// bounded wait, close the UDP socket, terminate."
type Shutdowner struct {
	httpServer *Server
	mqtt       *mqttctl.Controller
	manager    *session.Manager
	ingress    *udpio.Ingress
	logger     commons.Logger
	drainWait  time.Duration
}

// NewShutdowner wires the components the shutdown sequence touches.
func NewShutdowner(httpServer *Server, mqttController *mqttctl.Controller, manager *session.Manager, ingress *udpio.Ingress, drainWait time.Duration, logger commons.Logger) *Shutdowner {
	return &Shutdowner{
		httpServer: httpServer,
		mqtt:       mqttController,
		manager:    manager,
		ingress:    ingress,
		drainWait:  drainWait,
		logger:     logger,
	}
}

// Run executes the shutdown sequence in order. It never returns an error:
// each step is best-effort and logged, since a partial shutdown should still
// proceed to the next step rather than abort.
func (s *Shutdowner) Run(ctx context.Context) {
	s.logger.Info("shutdown: beginning graceful drain")
	s.httpServer.BeginShutdown()

	s.mqtt.Disconnect(250)
	s.logger.Info("shutdown: mqtt subscriptions stopped")

	s.manager.DrainAll(session.CloseReasonShutdown)
	s.logger.Info("shutdown: sessions marked draining")

	deadline := time.Now().Add(s.drainWait)
drainLoop:
	for time.Now().Before(deadline) {
		if s.manager.Empty() {
			break
		}
		select {
		case <-ctx.Done():
			break drainLoop
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !s.manager.Empty() {
		s.logger.Warnf("shutdown: %d sessions still draining after bounded wait, closing anyway", s.manager.Count())
	}

	if err := s.ingress.Close(); err != nil {
		s.logger.Warnw("shutdown: udp socket close failed", "error", err)
	}
	s.logger.Info("shutdown: complete")
}
