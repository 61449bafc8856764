package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rapidaai/bridge/internal/bridgeerr"
	"github.com/rapidaai/bridge/internal/device"
	"github.com/rapidaai/bridge/internal/echokit"
	"github.com/rapidaai/bridge/internal/jitter"
	"github.com/rapidaai/bridge/internal/udpio"
	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
)

// silenceFrameBytes is the synthetic payload emitted for a jitter buffer gap
// fill: 20ms of 16 kHz 16-bit mono silence (spec.md §3 Audio Frame, §4.2 gap
// fill) — 320 samples * 2 bytes.
var silenceFrameBytes = make([]byte, 640)

// Publisher is how the Session Manager emits MQTT-bound events, without
// importing the MQTT control plane package directly (mqttctl implements
// this and holds the Manager as its own inbound Router).
type Publisher interface {
	PublishWakeAck(deviceID, sessionID string) error
	PublishTranscript(deviceID, text string, isFinal bool) error
	PublishSessionEnd(deviceID string) error
}

// EgressSender delivers a payload to a device's last-observed UDP endpoint.
// Satisfied by *udpio.Egress.
type EgressSender interface {
	Send(f udpio.OutboundFrame) error
}

// Config holds the Session Manager's tunables, sourced from config.AppConfig.
type Config struct {
	MaxSessions    int
	Jitter         jitter.Config
	EchoKit        echokit.Config
	CooldownWindow time.Duration
	DrainTimeout   time.Duration
}

// Manager owns the authoritative session id -> Session map and the device id
// -> current session id secondary index (spec.md §4.4).
type Manager struct {
	cfg       Config
	devices   *device.Registry
	pool      *echokit.Pool
	egress    EgressSender
	publisher Publisher
	logger    commons.Logger
	clk       clock.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
	byDevice map[string]string

	outboundSeq map[string]uint32
}

// NewManager constructs a Session Manager.
func NewManager(cfg Config, devices *device.Registry, egress EgressSender, publisher Publisher, logger commons.Logger, clk clock.Clock) *Manager {
	m := &Manager{
		cfg:         cfg,
		devices:     devices,
		egress:      egress,
		publisher:   publisher,
		logger:      logger,
		clk:         clk,
		sessions:    make(map[string]*Session),
		byDevice:    make(map[string]string),
		outboundSeq: make(map[string]uint32),
	}
	m.pool = echokit.NewPool(cfg.EchoKit, cfg.CooldownWindow, logger, clk)
	return m
}

// SetPublisher wires the MQTT control plane in after construction: Manager
// and mqttctl.Controller each need a reference to the other, so whichever
// is built second supplies itself here rather than the two packages
// depending on each other's constructors.
func (m *Manager) SetPublisher(publisher Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = publisher
}

// EchoKitPool exposes the underlying client pool for the Supervisor's stats
// aggregation (spec.md §4.6).
func (m *Manager) EchoKitPool() *echokit.Pool {
	return m.pool
}

// Count returns the number of tracked sessions, feeding the Supervisor's
// "active session count" stat (spec.md §4.6).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EchoKitConnectionCount returns the number of live EchoKit associations.
func (m *Manager) EchoKitConnectionCount() int {
	return m.pool.Count()
}

// OpenSession implements spec.md §4.4's openSession: creates a session
// record in Opening, requests an EchoKit client, registers the jitter
// buffer, and publishes the wake ack. Concurrent opens for the same device
// collapse to the first (tie-break rule); a genuinely new wake for a device
// that already has an Active session forces the prior session into
// Draining.
func (m *Manager) OpenSession(ctx context.Context, deviceID string, cause Cause, recordMode bool) (*Session, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("session: %w: device id is required to open a session", bridgeerr.ErrProtocolViolation)
	}

	if !m.devices.IsProvisioned(deviceID) {
		return nil, fmt.Errorf("session: %w: device %s is not provisioned", bridgeerr.ErrProtocolViolation, deviceID)
	}

	if m.pool.CooledDown(deviceID) {
		return nil, fmt.Errorf("session: %w: device %s is in reconnect cool-down", bridgeerr.ErrResourceExhausted, deviceID)
	}

	m.mu.Lock()
	if existingID, ok := m.byDevice[deviceID]; ok {
		if existing, ok := m.sessions[existingID]; ok {
			switch existing.State() {
			case StateOpening:
				m.mu.Unlock()
				return existing, nil
			case StateActive:
				if cause != CauseWake {
					m.mu.Unlock()
					return existing, nil
				}
			}
		}
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: %w: max sessions (%d) reached", bridgeerr.ErrResourceExhausted, m.cfg.MaxSessions)
	}

	rawID := uuid.New()
	sessionID := udpio.SessionIDString([udpio.SessionIDSize]byte(rawID))

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:         sessionID,
		DeviceID:   deviceID,
		StartedAt:  m.clk.Now(),
		RecordMode: recordMode,
		cancel:     cancel,
		state:      StateOpening,
	}
	sess.Jitter = jitter.NewBuffer(sessionID, m.cfg.Jitter, m.clk, m.logger,
		func(f udpio.Frame) { m.forwardFrame(sessionID, f.Payload) },
		func(seq uint32) {
			sess.SilenceFrameCount.Inc()
			m.forwardFrame(sessionID, silenceFrameBytes)
		},
		func() { _ = m.CloseSession(sessionID, CloseReasonInactivity) },
	)
	sess.EchoKit = m.pool.Open(sessionID, recordMode, m)

	priorID, hadPrior := m.byDevice[deviceID]
	m.sessions[sessionID] = sess
	m.byDevice[deviceID] = sessionID
	m.mu.Unlock()

	if hadPrior && priorID != sessionID {
		_ = m.CloseSession(priorID, CloseReasonSupersededOpen)
	}

	go sess.Jitter.Run(sessCtx)

	if err := sess.EchoKit.Open(sessCtx); err != nil {
		m.logger.Warnw("echokit handshake failed on open", "session", sessionID, "device", deviceID, "error", err)
		_ = m.CloseSession(sessionID, CloseReasonUpstreamFatal)
		return nil, err
	}
	_ = sess.transition(StateActive)

	go func() { _ = sess.EchoKit.Run(sessCtx) }()
	go func() { _ = sess.EchoKit.RunWriter(sessCtx) }()

	if err := m.publisher.PublishWakeAck(deviceID, sessionID); err != nil {
		m.logger.Warnw("publish wake ack failed", "session", sessionID, "error", err)
	}

	return sess, nil
}

// IngressFrame implements udpio.Dispatcher: routes a validated inbound UDP
// frame to its session's jitter buffer, updating the device's last-observed
// endpoint first (spec.md §4.4, invariant 3). A frame for an unrecognized
// session id is dropped and logged at debug level, not counted — this
// Bridge's chosen policy for
// spec.md §3 invariant 2's "policy-selectable" clause, since a UDP frame
// alone carries no device identity to synthesize a wake from.
func (m *Manager) IngressFrame(ctx context.Context, sessionID string, frame udpio.Frame, endpoint *net.UDPAddr) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debugf("ingress: unknown session %s, dropping frame", sessionID)
		return
	}

	now := m.clk.Now()
	m.devices.Touch(sess.DeviceID, endpoint, now)
	sess.Jitter.Push(frame, now)
}

func (m *Manager) forwardFrame(sessionID string, payload []byte) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	sess.EchoKit.SendFrame(payload)
}

// OnAudioFrame implements echokit.Router: an EchoKit client has decoded an
// AudioChunk event destined for the device (spec.md §4.3 inbound stream 3).
func (m *Manager) OnAudioFrame(sessionID string, payload []byte) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rawID, err := udpio.SessionIDFromString(sessionID)
	if err != nil {
		m.logger.Errorf("route inbound audio: %v", err)
		return
	}

	m.mu.Lock()
	seq := m.outboundSeq[sessionID]
	m.outboundSeq[sessionID] = seq + 1
	m.mu.Unlock()

	err = m.egress.Send(udpio.OutboundFrame{
		DeviceID:  sess.DeviceID,
		SessionID: rawID,
		Sequence:  seq,
		Timestamp: uint64(m.clk.Now().UnixMilli()),
		Payload:   payload,
	})
	if err != nil {
		m.logger.Debugf("egress send failed for session %s: %v", sessionID, err)
	}
}

// OnTranscript implements echokit.Router: publish incremental recognition
// results (spec.md §4.3 inbound stream 1).
func (m *Manager) OnTranscript(sessionID string, result echokit.ASRResult) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := m.publisher.PublishTranscript(sess.DeviceID, result.Text, result.IsFinal); err != nil {
		m.logger.Warnw("publish transcript failed", "session", sessionID, "error", err)
	}
}

// OnResponseText implements echokit.Router: a logical turn boundary (spec.md
// §4.3 inbound stream 2). The client's own state machine already drives the
// Recognizing/Listening transition; the Manager only needs to observe it.
func (m *Manager) OnResponseText(sessionID string, rt echokit.ResponseText) {
	m.logger.Debugf("session %s: response text boundary: delta=%q", sessionID, rt.Delta)
}

// OnSessionFatal implements echokit.Router: a client has exhausted its
// reconnect attempt (spec.md §4.3 reconnect policy, §7 session-fatal kind).
func (m *Manager) OnSessionFatal(sessionID string, reason bridgeerr.Reason) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	m.pool.MarkFailed(sess.DeviceID)
	_ = m.CloseSession(sessionID, CloseReasonUpstreamFatal)

	if err := m.publisher.PublishSessionEnd(sess.DeviceID); err != nil {
		m.logger.Warnw("publish session end failed", "session", sessionID, "error", err)
	}
}

// CloseSession implements spec.md §4.4's closeSession: transitions to
// Draining, then schedules Closed after the drain timeout. Repeated calls
// on the same id are a no-op after the first (spec.md §8 idempotence law).
func (m *Manager) CloseSession(sessionID string, reason CloseReason) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := sess.transition(StateDraining); err != nil {
		return nil
	}

	if sess.cancel != nil {
		sess.cancel()
	}
	m.logger.Infow("session draining", "session", sessionID, "device", sess.DeviceID, "reason", reason)

	go m.finishDrain(sessionID, sess)
	return nil
}

func (m *Manager) finishDrain(sessionID string, sess *Session) {
	timer := m.clk.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	<-timer.C()

	_ = sess.transition(StateClosed)
	m.pool.Close(sessionID)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	delete(m.outboundSeq, sessionID)
	if m.byDevice[sess.DeviceID] == sessionID {
		delete(m.byDevice, sess.DeviceID)
	}
	m.mu.Unlock()

	m.logger.Infow("session closed", "session", sessionID, "device", sess.DeviceID)
}

// CloseSessionForDevice closes whatever session currently owns deviceID, if
// any. Used by the MQTT control plane's session_end handler, which only
// knows the device id, not the session id the device's session was minted
// under.
func (m *Manager) CloseSessionForDevice(deviceID string, reason CloseReason) error {
	m.mu.RLock()
	sessionID, ok := m.byDevice[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.CloseSession(sessionID, reason)
}

// DrainAll transitions every tracked session to Draining, used by the
// Supervisor's graceful shutdown sequence (spec.md §4.6).
func (m *Manager) DrainAll(reason CloseReason) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.CloseSession(id, reason)
	}
}

// Empty reports whether no sessions remain, consulted by shutdown to decide
// whether it can proceed without waiting out the full drain timeout.
func (m *Manager) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) == 0
}
