package jitter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rapidaai/bridge/internal/udpio"
	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	released []uint32
	silence  []uint32
	idled    bool
}

func (r *recorder) onRelease(f udpio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, f.Sequence)
}

func (r *recorder) onSilence(seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silence = append(r.silence, seq)
}

func (r *recorder) onIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idled = true
}

func (r *recorder) snapshot() (released, silence []uint32, idled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.released...), append([]uint32(nil), r.silence...), r.idled
}

func newTestBuffer(v *clock.Virtual, cfg Config) (*Buffer, *recorder) {
	rec := &recorder{}
	b := NewBuffer("sess-1", cfg, v, commons.NewNopLogger(), rec.onRelease, rec.onSilence, rec.onIdle)
	return b, rec
}

func waitForReleased(t *testing.T, rec *recorder, n int) []uint32 {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		released, _, _ := rec.snapshot()
		if len(released) >= n {
			return released
		}
		time.Sleep(time.Millisecond)
	}
	released, _, _ := rec.snapshot()
	return released
}

func TestBuffer_InOrderRelease(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{WindowFrames: 8, ReleaseDelay: 60 * time.Millisecond, IdleTimeout: time.Second}
	b, rec := newTestBuffer(v, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for seq := uint32(0); seq < 3; seq++ {
		b.Push(udpio.Frame{Sequence: seq}, v.Now())
	}

	v.Advance(60 * time.Millisecond)

	released := waitForReleased(t, rec, 3)
	assert.Equal(t, []uint32{0, 1, 2}, released)
}

func TestBuffer_ReordersWithinWindow(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{WindowFrames: 8, ReleaseDelay: 60 * time.Millisecond, IdleTimeout: time.Second}
	b, rec := newTestBuffer(v, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Push(udpio.Frame{Sequence: 2}, v.Now())
	b.Push(udpio.Frame{Sequence: 0}, v.Now())
	b.Push(udpio.Frame{Sequence: 1}, v.Now())

	v.Advance(60 * time.Millisecond)

	released := waitForReleased(t, rec, 3)
	require.Len(t, released, 3)
	assert.Equal(t, []uint32{0, 1, 2}, released)
}

func TestBuffer_DedupDropsRepeatedSequence(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{WindowFrames: 8, ReleaseDelay: 60 * time.Millisecond, IdleTimeout: time.Second}
	b, rec := newTestBuffer(v, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Push(udpio.Frame{Sequence: 0}, v.Now())
	b.Push(udpio.Frame{Sequence: 0}, v.Now())

	v.Advance(60 * time.Millisecond)
	_ = waitForReleased(t, rec, 1)

	assert.Equal(t, int64(1), b.DedupDropCount.Load())
}

func TestBuffer_LateArrivalPastNextSeqIsDropped(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{WindowFrames: 8, ReleaseDelay: 60 * time.Millisecond, IdleTimeout: time.Second}
	b, rec := newTestBuffer(v, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Push(udpio.Frame{Sequence: 0}, v.Now())
	v.Advance(60 * time.Millisecond)
	_ = waitForReleased(t, rec, 1)

	// sequence 0 arrives again, now behind nextSeq (1) — a late duplicate.
	b.Push(udpio.Frame{Sequence: 0}, v.Now())

	assert.Equal(t, int64(1), b.DedupDropCount.Load())
}

func TestBuffer_GapFillsWithSilenceAfterReleaseDelay(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{WindowFrames: 8, ReleaseDelay: 60 * time.Millisecond, IdleTimeout: time.Second}
	b, rec := newTestBuffer(v, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// seq 1 arrives but seq 0 never does.
	b.Push(udpio.Frame{Sequence: 1}, v.Now())

	v.Advance(60 * time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, silence, _ := rec.snapshot()
		if len(silence) >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	released, silence, _ := rec.snapshot()
	assert.Equal(t, []uint32{0}, silence)
	assert.Equal(t, []uint32{1}, released)
	assert.Equal(t, int64(1), b.SilenceFrameCount.Load())
}

func TestBuffer_BackpressureDropsOnOverflow(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{WindowFrames: 2, ReleaseDelay: time.Hour, IdleTimeout: time.Hour}
	b, _ := newTestBuffer(v, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Push(udpio.Frame{Sequence: 5}, v.Now())
	b.Push(udpio.Frame{Sequence: 6}, v.Now())
	b.Push(udpio.Frame{Sequence: 7}, v.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.BackpressureDropCount.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, int64(1), b.BackpressureDropCount.Load())
}

func TestBuffer_IdleTimeoutFiresWithNothingPending(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{WindowFrames: 8, ReleaseDelay: 60 * time.Millisecond, IdleTimeout: 200 * time.Millisecond}
	b, rec := newTestBuffer(v, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Push(udpio.Frame{Sequence: 0}, v.Now())
	v.Advance(60 * time.Millisecond)
	_ = waitForReleased(t, rec, 1)

	v.Advance(200 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should have returned after idle timeout")
	}

	_, _, idled := rec.snapshot()
	assert.True(t, idled)
}
