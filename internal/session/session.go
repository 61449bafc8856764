// Package session implements the Session Manager (spec.md §4.4): the
// authoritative session id -> session record map and the device id ->
// current session id secondary index, plus the per-session state machine.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/bridge/internal/bridgeerr"
	"github.com/rapidaai/bridge/internal/echokit"
	"github.com/rapidaai/bridge/internal/jitter"
	"go.uber.org/atomic"
)

// State is one node of a session's lifecycle (spec.md §3): a session moves
// through states in a single direction, never resurrecting from Closed.
type State int

const (
	StateOpening State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateActive:
		return "Active"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// allowedTransitions enforces the single-direction rule of spec.md §3
// invariant 5: each state lists the states it may move forward to. An
// Opening session may go straight to Draining when its upstream handshake
// fails.
var allowedTransitions = map[State][]State{
	StateOpening:  {StateActive, StateDraining},
	StateActive:   {StateDraining},
	StateDraining: {StateClosed},
}

// Cause records why a session was opened, used for the openSession contract
// of spec.md §4.4.
type Cause string

const (
	CauseWake       Cause = "wake"
	CauseFirstFrame Cause = "first-frame"
	CauseControl    Cause = "control"
)

// CloseReason records why closeSession was invoked.
type CloseReason string

const (
	CloseReasonDeviceRequest  CloseReason = "device-request"
	CloseReasonInactivity     CloseReason = "inactivity"
	CloseReasonUpstreamFatal  CloseReason = "upstream-fatal"
	CloseReasonShutdown       CloseReason = "shutdown"
	CloseReasonSupersededOpen CloseReason = "superseded"
)

// Session is one time-bounded voice interaction (spec.md §3).
type Session struct {
	ID         string
	DeviceID   string
	StartedAt  time.Time
	RecordMode bool

	Jitter  *jitter.Buffer
	EchoKit *echokit.Client

	cancel context.CancelFunc

	mu    sync.Mutex
	state State

	SilenceFrameCount     atomic.Int64
	DedupDropCount        atomic.Int64
	BackpressureDropCount atomic.Int64
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session forward one step. A transition to a state
// that is not an allowed successor of the current one, including the current
// state itself, is rejected rather than applied (spec.md §3 invariant 5).
// CloseSession relies on this rejection so that a repeated close is a no-op
// (spec.md §8 idempotence law).
func (s *Session) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range allowedTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("session: %w: invalid transition %s -> %s", bridgeerr.ErrProtocolViolation, s.state, next)
}
