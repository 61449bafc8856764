// Package jitter implements the per-session reassembly stage (spec.md §4.2):
// an ordered reassembly window that reorders, deduplicates, and paces out
// inbound UDP audio frames, filling gaps with synthetic silence once a
// release deadline has passed, and signalling the owning session when it
// has sat idle too long. The buffering discipline here generalizes the
// accumulate/threshold/flush shape of the teacher's baseStreamer
// (api/assistant-api/internal/channel/webrtc/base_streamer.go) from a PCM
// byte buffer to a sequence-numbered reassembly window.
package jitter

import (
	"context"
	"sync"
	"time"

	"github.com/rapidaai/bridge/internal/udpio"
	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
	"go.uber.org/atomic"
)

// Config holds the tunables of a reassembly window, sourced from
// config.AppConfig (spec.md §6: jitter_buffer_frames, jitter_release_ms).
type Config struct {
	// WindowFrames bounds how many out-of-order frames may be held at once.
	// Also used as the high-water mark: a frame arriving when the window is
	// already full triggers backpressure.
	WindowFrames int
	// ReleaseDelay is how long a frame is held waiting for earlier sequence
	// numbers to arrive before it (or a gap-fill silence frame) is released.
	ReleaseDelay time.Duration
	// IdleTimeout is how long the buffer may go without receiving a frame
	// before it signals the session manager that the session is inactive.
	IdleTimeout time.Duration
}

type pendingFrame struct {
	frame    udpio.Frame
	deadline time.Time
}

// Buffer is one session's reassembly window. It is not safe to share across
// sessions; the Session Manager owns one Buffer per active session.
type Buffer struct {
	cfg       Config
	clk       clock.Clock
	logger    commons.Logger
	sessionID string

	onRelease func(udpio.Frame)
	onSilence func(sequence uint32)
	onIdle    func()

	mu           sync.Mutex
	pending      map[uint32]pendingFrame
	nextSeq      uint32
	lastActivity time.Time

	wake chan struct{}

	DedupDropCount        atomic.Int64
	BackpressureDropCount atomic.Int64
	SilenceFrameCount     atomic.Int64
}

// NewBuffer constructs a reassembly window for one session.
//
// onRelease is called, in sequence order, with each frame as it is released
// for forwarding to the EchoKit client. onSilence is called in its place
// when a gap outlives ReleaseDelay; the caller is expected to forward a
// synthetic silence frame of the same duration as a normal frame. onIdle is
// called at most once, when IdleTimeout elapses with nothing pending.
func NewBuffer(sessionID string, cfg Config, clk clock.Clock, logger commons.Logger, onRelease func(udpio.Frame), onSilence func(uint32), onIdle func()) *Buffer {
	return &Buffer{
		cfg:          cfg,
		clk:          clk,
		logger:       logger,
		sessionID:    sessionID,
		onRelease:    onRelease,
		onSilence:    onSilence,
		onIdle:       onIdle,
		pending:      make(map[uint32]pendingFrame),
		nextSeq:      0,
		lastActivity: clk.Now(),
		wake:         make(chan struct{}, 1),
	}
}

// Push admits a newly arrived frame into the window. A session's sequence
// numbers start at 0 (spec.md §6 S1 scenario); frames before the
// next-to-release sequence, or already pending, are duplicates (or late
// arrivals past their release point) and are dropped and counted rather
// than re-admitted — the release window only ever moves forward.
func (b *Buffer) Push(frame udpio.Frame, now time.Time) {
	b.mu.Lock()
	b.lastActivity = now

	if frame.Sequence < b.nextSeq {
		b.DedupDropCount.Inc()
		b.mu.Unlock()
		return
	}
	if _, exists := b.pending[frame.Sequence]; exists {
		b.DedupDropCount.Inc()
		b.mu.Unlock()
		return
	}

	if len(b.pending) >= b.cfg.WindowFrames {
		b.evictOldestLocked()
	}

	b.pending[frame.Sequence] = pendingFrame{frame: frame, deadline: now.Add(b.cfg.ReleaseDelay)}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// evictOldestLocked drops the longest-waiting pending frame to make room
// under the window's high-water mark (spec.md §4.2 backpressure). Callers
// must hold b.mu.
func (b *Buffer) evictOldestLocked() {
	var oldestSeq uint32
	var oldestDeadline time.Time
	first := true
	for seq, pf := range b.pending {
		if first || pf.deadline.Before(oldestDeadline) {
			oldestSeq = seq
			oldestDeadline = pf.deadline
			first = false
		}
	}
	if !first {
		delete(b.pending, oldestSeq)
		b.BackpressureDropCount.Inc()
	}
}

// Run drives release timing until ctx is cancelled or the buffer goes idle.
// It must run in its own goroutine for the lifetime of the session.
func (b *Buffer) Run(ctx context.Context) {
	timer := b.clk.NewTimer(b.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		wait, idle := b.nextWaitLocked(b.clk.Now())
		b.mu.Unlock()

		if idle {
			b.onIdle()
			return
		}

		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			b.mu.Lock()
			b.releaseReadyLocked(b.clk.Now())
			b.mu.Unlock()
		case <-b.wake:
			timer.Stop()
			b.mu.Lock()
			b.releaseReadyLocked(b.clk.Now())
			b.mu.Unlock()
		}
	}
}

// nextWaitLocked returns how long to wait before the next action is due, or
// reports idle=true if IdleTimeout has already elapsed with nothing
// pending. Callers must hold b.mu.
func (b *Buffer) nextWaitLocked(now time.Time) (wait time.Duration, idle bool) {
	if earliest, any := b.earliestDeadlineLocked(); any {
		if earliest.Before(now) {
			return 0, false
		}
		return earliest.Sub(now), false
	}

	idleDeadline := b.lastActivity.Add(b.cfg.IdleTimeout)
	if !now.Before(idleDeadline) {
		return 0, true
	}
	return idleDeadline.Sub(now), false
}

func (b *Buffer) earliestDeadlineLocked() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, pf := range b.pending {
		if !found || pf.deadline.Before(earliest) {
			earliest = pf.deadline
			found = true
		}
	}
	return earliest, found
}

// releaseReadyLocked releases, in strict sequence order, the frame at the
// next expected sequence as soon as it is pending, and emits gap-fill
// silence in place of a missing one once the earliest pending deadline has
// passed. Callers must hold b.mu.
func (b *Buffer) releaseReadyLocked(now time.Time) {
	for {
		if pf, ok := b.pending[b.nextSeq]; ok {
			delete(b.pending, b.nextSeq)
			b.nextSeq++
			b.onRelease(pf.frame)
			continue
		}

		earliest, any := b.earliestDeadlineLocked()
		if !any {
			return
		}
		if now.Before(earliest) {
			return
		}

		b.SilenceFrameCount.Inc()
		seq := b.nextSeq
		b.nextSeq++
		b.onSilence(seq)
	}
}
