package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a manually-advanced Clock for tests. All waiters registered via
// After/NewTimer fire, in order, as Advance moves the virtual "now" past
// their deadline. It never touches real wall-clock time.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
	// stopped waiters are skipped on fire but kept in the slice to avoid
	// reslicing under lock contention; cleaned up lazily on Advance.
	stopped bool
}

// NewVirtual creates a Virtual clock seeded at the given time.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &waiter{deadline: v.now.Add(d), ch: make(chan time.Time, 1)}
	v.waiters = append(v.waiters, w)
	return w.ch
}

func (v *Virtual) NewTimer(d time.Duration) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &waiter{deadline: v.now.Add(d), ch: make(chan time.Time, 1)}
	v.waiters = append(v.waiters, w)
	return &virtualTimer{clock: v, w: w}
}

// Advance moves the virtual clock forward by d, firing (in deadline order)
// every registered waiter whose deadline has elapsed.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	now := v.now
	sort.SliceStable(v.waiters, func(i, j int) bool {
		return v.waiters[i].deadline.Before(v.waiters[j].deadline)
	})
	live := v.waiters[:0]
	for _, w := range v.waiters {
		if w.stopped {
			continue
		}
		if !w.fired && !w.deadline.After(now) {
			w.fired = true
			select {
			case w.ch <- now:
			default:
			}
		}
		if !w.fired {
			live = append(live, w)
		}
	}
	v.waiters = live
	v.mu.Unlock()
}

type virtualTimer struct {
	clock *Virtual
	w     *waiter
}

func (t *virtualTimer) C() <-chan time.Time { return t.w.ch }

func (t *virtualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.w.fired && !t.w.stopped
	t.w.fired = false
	t.w.stopped = false
	t.w.deadline = t.clock.now.Add(d)
	t.w.ch = make(chan time.Time, 1)
	t.clock.waiters = append(t.clock.waiters, t.w)
	return wasActive
}

func (t *virtualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.w.fired && !t.w.stopped
	t.w.stopped = true
	return wasActive
}
