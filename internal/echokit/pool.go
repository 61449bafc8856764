package echokit

import (
	"sync"
	"time"

	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
)

// Pool holds the at-most-one Client per active session (spec.md §3
// invariant 1: "every Active session has exactly one EchoKit Connection
// reference") and tracks a per-device reconnect cool-down so that a device
// whose connection keeps failing is temporarily refused new sessions
// (spec.md §4.3: "repeated failure within a short window disables the
// device for a cool-down period").
type Pool struct {
	cfg    Config
	logger commons.Logger
	clk    clock.Clock

	mu       sync.RWMutex
	clients  map[string]*Client // sessionID -> Client
	cooldown map[string]time.Time
	window   time.Duration
}

// NewPool constructs an empty client pool.
func NewPool(cfg Config, cooldownWindow time.Duration, logger commons.Logger, clk clock.Clock) *Pool {
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		clk:      clk,
		clients:  make(map[string]*Client),
		cooldown: make(map[string]time.Time),
		window:   cooldownWindow,
	}
}

// CooledDown reports whether deviceID is presently within its reconnect
// cool-down window and should have new sessions refused.
func (p *Pool) CooledDown(deviceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	until, ok := p.cooldown[deviceID]
	if !ok {
		return false
	}
	return p.clk.Now().Before(until)
}

// Open creates and registers a Client for sessionID, replacing any prior
// client registered under the same id.
func (p *Pool) Open(sessionID string, recordMode bool, router Router) *Client {
	c := NewClient(sessionID, recordMode, p.cfg, router, p.logger, p.clk)

	p.mu.Lock()
	p.clients[sessionID] = c
	p.mu.Unlock()

	return c
}

// Get returns the client registered for sessionID, if any.
func (p *Pool) Get(sessionID string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[sessionID]
	return c, ok
}

// MarkFailed starts (or extends) deviceID's cool-down window, observed after
// a session tied to that device exhausts its reconnect attempts.
func (p *Pool) MarkFailed(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldown[deviceID] = p.clk.Now().Add(p.window)
}

// Close releases the client registered for sessionID.
func (p *Pool) Close(sessionID string) {
	p.mu.Lock()
	c, ok := p.clients[sessionID]
	delete(p.clients, sessionID)
	p.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Count returns the number of registered clients, feeding the Supervisor's
// "EchoKit connection count" stat (spec.md §4.6).
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
