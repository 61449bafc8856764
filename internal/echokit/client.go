package echokit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/bridge/internal/bridgeerr"
	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
)

// State is one node of the EchoKit client state machine (spec.md §4.3):
//
//	Idle -> Connecting -> Handshaking -> Greeting -> Listening -> Recognizing
//	         ^                               v           v
//	         +---------- Reconnecting <-- Failed <--------+
//	                                    v
//	                                  Closed
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateGreeting
	StateListening
	StateRecognizing
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateGreeting:
		return "Greeting"
	case StateListening:
		return "Listening"
	case StateRecognizing:
		return "Recognizing"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Router is how a Client reports upstream events and lifecycle faults back
// to the Session Manager, without the two packages holding direct
// references to each other (spec.md §9: "exchange opaque identifiers and do
// short-lived lookups").
type Router interface {
	OnTranscript(sessionID string, result ASRResult)
	OnResponseText(sessionID string, rt ResponseText)
	OnAudioFrame(sessionID string, payload []byte)
	OnSessionFatal(sessionID string, reason bridgeerr.Reason)
}

// Config holds the per-client tunables sourced from config.AppConfig.
type Config struct {
	URL              string
	EgressRingDepth  int
	HandshakeTimeout time.Duration
}

// Client is one session's WebSocket association with the EchoKit service.
// It is not safe to share across sessions.
type Client struct {
	cfg        Config
	logger     commons.Logger
	clk        clock.Clock
	router     Router
	sessionID  string
	recordMode bool

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	ring       chan []byte
	ringMu     sync.Mutex
	reconnects int
}

// NewClient constructs a Client for one session. recordMode resolves
// spec.md §9 Open Question 1 (§3 of the expanded spec): when true, outbound
// frames are validated but never written upstream.
func NewClient(sessionID string, recordMode bool, cfg Config, router Router, logger commons.Logger, clk clock.Clock) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger,
		clk:        clk,
		router:     router,
		sessionID:  sessionID,
		recordMode: recordMode,
		state:      StateIdle,
		ring:       make(chan []byte, cfg.EgressRingDepth),
	}
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.logger.Debugf("echokit client %s: %s -> %s", c.sessionID, prev, next)
}

// Open dials the EchoKit endpoint, performs the session.update handshake,
// and blocks until HelloStart/HelloEnd has been observed or
// HandshakeTimeout elapses. A handshake timeout is session-fatal (spec.md
// §8 boundary behavior).
func (c *Client) Open(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("echokit: %w: dial %s: %v", bridgeerr.ErrSessionFatal, c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateHandshaking)
	if err := c.sendControl(NewSessionUpdate(c.sessionID)); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("echokit: %w: send handshake: %v", bridgeerr.ErrSessionFatal, err)
	}

	return c.awaitHello(ctx)
}

// awaitHello reads inbound frames until HelloEnd (success) or
// HandshakeTimeout (failure). Inbound dispatch for later, post-handshake
// traffic continues through Run.
func (c *Client) awaitHello(ctx context.Context) error {
	deadline := c.clk.Now().Add(c.cfg.HandshakeTimeout)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		if !c.clk.Now().Before(deadline) {
			c.setState(StateFailed)
			return fmt.Errorf("echokit: %w: HelloEnd not observed within handshake timeout", bridgeerr.ErrSessionFatal)
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setState(StateFailed)
			return fmt.Errorf("echokit: %w: read during handshake: %v", bridgeerr.ErrSessionFatal, err)
		}

		if msgType != websocket.BinaryMessage {
			continue
		}

		ev, err := DecodeBinary(data)
		if err != nil {
			c.logger.Debugf("echokit client %s: dropping malformed handshake frame: %v", c.sessionID, err)
			continue
		}

		switch ev.Tag {
		case TagHelloStart:
			c.setState(StateGreeting)
		case TagHelloChunk:
			c.router.OnAudioFrame(c.sessionID, ev.HelloChunk)
		case TagHelloEnd:
			c.setState(StateListening)
			return nil
		}
	}
}

// Run reads inbound frames until ctx is cancelled, the connection closes, or
// a protocol error occurs. Must be called after a successful Open, in its
// own goroutine.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return c.handleFault(ctx, fmt.Errorf("echokit: read: %w", err))
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.dispatchBinary(data)
		case websocket.TextMessage:
			c.logger.Debugf("echokit client %s: ignoring inbound text control frame", c.sessionID)
		}
	}
}

func (c *Client) dispatchBinary(data []byte) {
	ev, err := DecodeBinary(data)
	if err != nil {
		c.logger.Debugf("echokit client %s: dropping malformed frame: %v", c.sessionID, err)
		return
	}

	switch ev.Tag {
	case TagStartAudio:
		c.setState(StateRecognizing)
	case TagAudioChunk:
		c.router.OnAudioFrame(c.sessionID, ev.AudioChunk)
	case TagASRChunk:
		for _, r := range ev.ASRResults {
			c.router.OnTranscript(c.sessionID, r)
		}
	case TagResponseTextChunk:
		if ev.ResponseText != nil {
			c.router.OnResponseText(c.sessionID, *ev.ResponseText)
		}
	case TagEndResponse, TagEndAudio:
		c.setState(StateListening)
	}
}

// SendFrame enqueues a PCM payload for delivery as an AudioChunk event. In
// record mode the frame is discarded after this point — the rest of the
// pipeline (ingress, jitter buffer, stats) still observes it untouched
// (spec.md §9 Open Question 1 resolution).
func (c *Client) SendFrame(payload []byte) {
	if c.recordMode {
		return
	}
	c.pushRing(payload)
}

func (c *Client) pushRing(payload []byte) {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()

	select {
	case c.ring <- payload:
		return
	default:
	}

	// Ring full: drop the oldest queued frame to make room (spec.md §5
	// "overflow policy drops the oldest outbound frame").
	select {
	case <-c.ring:
	default:
	}
	select {
	case c.ring <- payload:
	default:
	}
}

// RunWriter drains the egress ring and writes each frame as an AudioChunk
// event until ctx is cancelled. Must run in its own goroutine.
func (c *Client) RunWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-c.ring:
			if !ok {
				return nil
			}
			frame, err := EncodeBinary(Event{Tag: TagAudioChunk, AudioChunk: payload})
			if err != nil {
				c.logger.Errorf("echokit client %s: encode outbound frame: %v", c.sessionID, err)
				continue
			}
			if c.recordMode {
				continue
			}
			if err := c.writeBinary(frame); err != nil {
				return c.handleFault(ctx, err)
			}
		}
	}
}

func (c *Client) writeBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("echokit: %w: write on nil connection", bridgeerr.ErrTransient)
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) sendControl(v interface{}) error {
	data, err := EncodeText(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleFault implements spec.md §4.3's reconnect policy: the first fault
// triggers one immediate reconnect attempt; a second fault within the same
// episode transitions the session to Draining via Router.OnSessionFatal.
func (c *Client) handleFault(ctx context.Context, cause error) error {
	c.mu.Lock()
	attempt := c.reconnects
	c.mu.Unlock()

	if attempt >= 1 {
		c.setState(StateFailed)
		c.router.OnSessionFatal(c.sessionID, bridgeerr.ReasonUpstreamUnavailable)
		return fmt.Errorf("echokit: %w: %v", bridgeerr.ErrSessionFatal, cause)
	}

	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()

	c.setState(StateReconnecting)
	c.logger.Warnw("echokit client reconnecting", "session", c.sessionID, "cause", cause)

	if err := c.Open(ctx); err != nil {
		c.router.OnSessionFatal(c.sessionID, bridgeerr.ReasonUpstreamUnavailable)
		return fmt.Errorf("echokit: %w: reconnect failed: %v", bridgeerr.ErrSessionFatal, err)
	}
	return c.Run(ctx)
}

// Close sends a close frame and releases the connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = conn.Close()
}
