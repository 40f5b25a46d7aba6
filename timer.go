package greenhub

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"
)

// MinTimer is the minimum delay, in seconds, below which a timer is
// treated as "immediate" (spec.md §4.2): zero means "run on the next
// tick, unconditionally, ahead of any kernel wait."
const MinTimer = 1e-9

// DefaultSleep bounds how long the hub will ever block in its backend
// when no timer is pending (spec.md §4.5).
const DefaultSleep = 60.0

// TimerCallback is invoked with the args supplied to AddTimer when the
// timer fires. Panics are recovered and squelched by the hub (spec.md
// §4.2: "on exception, squelch").
type TimerCallback func(args ...interface{})

// Timer is a scheduled callback. Cancel is idempotent and safe from any
// task; it never removes the timer from the heap (lazy deletion).
type Timer struct {
	seconds       float64
	scheduledTime float64
	cb            TimerCallback
	args          []interface{}
	called        bool
	isLocal       bool
	owner         deadChecker

	heapIndex int
	seq       int64

	debugID uuid.UUID

	// onCancel, when set by the hub after arming a kernel timer for this
	// Timer (the epoll-timerfd backend), releases that kernel resource.
	onCancel func()
}

// Cancel prevents this timer from firing. Idempotent: calling it twice
// (or after it has already fired) is a no-op.
func (t *Timer) Cancel() {
	if t.called {
		return
	}
	t.called = true
	if t.onCancel != nil {
		t.onCancel()
		t.onCancel = nil
	}
}

// DebugID returns the uuid stamped on this timer when the hub was built
// with WithDebugListeners(true), or the zero uuid otherwise.
func (t *Timer) DebugID() uuid.UUID { return t.debugID }

// Pending reports whether the timer may still fire: it has not been
// called/cancelled, and (for local timers) its owning task is still
// alive.
func (t *Timer) Pending() bool {
	if t.called {
		return false
	}
	if t.isLocal && t.owner != nil && t.owner.Dead() {
		return false
	}
	return true
}

// timerHeap is a container/heap min-heap keyed by scheduledTime, with
// insertion-sequence as a tiebreak so timers due at the same instant
// fire in insertion order (spec.md §5 ordering guarantee).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].scheduledTime != h[j].scheduledTime {
		return h[i].scheduledTime < h[j].scheduledTime
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// timerWheel owns the heap plus the staging structures spec.md §3
// describes: next_timers (merged at the top of the following tick) and
// immediate_timers (fired unconditionally, ahead of any kernel wait).
type timerWheel struct {
	clock Clock

	// stagingMu guards next/immediate only: addTimer (callable from any
	// goroutine, e.g. a task mid-Trampoline or an application goroutine
	// calling AddTimer directly) appends to them, while prepareTimers/
	// fireImmediate (always called from the hub's own tick goroutine)
	// drain them. heap is touched only from the tick goroutine and
	// needs no lock.
	stagingMu sync.Mutex

	heap      timerHeap
	next      []*Timer
	immediate []*Timer

	seq int64

	// timerDelay is the exponential moving average of overdueness used
	// to shrink the hub's computed sleep bound (spec.md §4.2). Floored
	// at 0, capped at DefaultSleep — the one documented rule chosen
	// among the drafts' disagreeing smoothing formulas (see DESIGN.md).
	timerDelay float64

	debugEnabled bool
}

func newTimerWheel(clock Clock) *timerWheel {
	return &timerWheel{clock: clock}
}

// addTimer schedules cb to run after seconds have elapsed. Matches
// spec.md §4.2's add_timer: sub-MinTimer delays go straight to the
// immediate queue; everything else is staged into next and merged into
// the heap at the top of the following tick.
func (w *timerWheel) addTimer(seconds float64, isLocal bool, owner deadChecker, cb TimerCallback, args ...interface{}) *Timer {
	t := &Timer{
		seconds: seconds,
		cb:      cb,
		args:    args,
		isLocal: isLocal,
		owner:   owner,
	}
	w.stagingMu.Lock()
	w.seq++
	t.seq = w.seq

	if seconds < MinTimer {
		t.scheduledTime = w.clock()
		w.immediate = append(w.immediate, t)
		w.stagingMu.Unlock()
		return t
	}

	t.scheduledTime = w.clock() + seconds
	w.next = append(w.next, t)
	w.stagingMu.Unlock()
	return t
}

// prepareTimers drains next into the heap, skipping anything already
// cancelled before it was ever live. Called at the top of every tick.
func (w *timerWheel) prepareTimers() {
	w.stagingMu.Lock()
	batch := w.next
	w.next = nil
	w.stagingMu.Unlock()

	for _, t := range batch {
		if t.called {
			continue
		}
		heap.Push(&w.heap, t)
	}
}

// fireImmediate runs every immediate timer queued this tick,
// unconditionally (ahead of any kernel wait), squelching panics.
func (w *timerWheel) fireImmediate(onPanic func(t *Timer, r interface{})) {
	w.stagingMu.Lock()
	batch := w.immediate
	w.immediate = nil
	w.stagingMu.Unlock()

	for _, t := range batch {
		w.invoke(t, onPanic)
	}
}

// fireDue pops and invokes every timer due at or before now, updating
// timerDelay, and returns the next pending deadline (ok=false if the
// heap is now empty).
func (w *timerWheel) fireDue(now float64, onPanic func(t *Timer, r interface{})) (nextDue float64, ok bool) {
	for w.heap.Len() > 0 {
		top := w.heap[0]
		if top.scheduledTime > now {
			break
		}
		heap.Pop(&w.heap)

		if !top.Pending() {
			continue
		}

		overdue := now - top.scheduledTime
		w.timerDelay = clampDelay((overdue + w.timerDelay) / 2)

		w.invoke(top, onPanic)
	}

	if w.heap.Len() == 0 {
		return 0, false
	}
	return w.heap[0].scheduledTime, true
}

func clampDelay(d float64) float64 {
	if d < 0 {
		return 0
	}
	if d > DefaultSleep {
		return DefaultSleep
	}
	return d
}

func (w *timerWheel) invoke(t *Timer, onPanic func(t *Timer, r interface{})) {
	if t.called {
		return
	}
	t.called = true
	if t.isLocal && t.owner != nil && t.owner.Dead() {
		return
	}
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(t, r)
		}
	}()
	t.cb(t.args...)
}

// len reports the total number of timers known to the wheel (heap +
// staged + immediate), matching eventlet's get_timers_count.
func (w *timerWheel) len() int {
	w.stagingMu.Lock()
	staged := len(w.next) + len(w.immediate)
	w.stagingMu.Unlock()
	return w.heap.Len() + staged
}

// cancelAll cancels every timer the wheel knows about, staged or
// already merged into the heap, as part of Hub teardown.
func (w *timerWheel) cancelAll() {
	for _, t := range w.heap {
		t.Cancel()
	}
	w.stagingMu.Lock()
	staged := append(append([]*Timer{}, w.next...), w.immediate...)
	w.stagingMu.Unlock()
	for _, t := range staged {
		t.Cancel()
	}
}

func (w *timerWheel) hasImmediate() bool {
	w.stagingMu.Lock()
	defer w.stagingMu.Unlock()
	return len(w.immediate) > 0
}
