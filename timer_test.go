package greenhub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeClock(now *float64) Clock {
	return func() float64 { return *now }
}

func TestTimerWheelFiresInScheduledOrder(t *testing.T) {
	now := 0.0
	w := newTimerWheel(fakeClock(&now))

	var order []int
	w.addTimer(0.01, false, nil, func(args ...interface{}) { order = append(order, 1) })
	w.addTimer(0.02, false, nil, func(args ...interface{}) { order = append(order, 2) })
	w.addTimer(0.03, false, nil, func(args ...interface{}) { order = append(order, 3) })

	w.prepareTimers()
	now = 0.05
	_, ok := w.fireDue(now, nil)
	require.False(t, ok)
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestTimerCancelIsIdempotentAndSkippedOnPop(t *testing.T) {
	now := 0.0
	w := newTimerWheel(fakeClock(&now))

	fired := false
	tm := w.addTimer(0.01, false, nil, func(args ...interface{}) { fired = true })
	w.prepareTimers()

	tm.Cancel()
	tm.Cancel() // idempotent: must not panic or double-invoke anything

	now = 1.0
	w.fireDue(now, nil)
	require.False(t, fired, "a cancelled timer must never invoke its callback")
}

func TestImmediateTimerBypassesHeap(t *testing.T) {
	now := 0.0
	w := newTimerWheel(fakeClock(&now))

	fired := false
	w.addTimer(0, false, nil, func(args ...interface{}) { fired = true })
	require.True(t, w.hasImmediate())

	w.fireImmediate(nil)
	require.True(t, fired)
	require.False(t, w.hasImmediate())
}

func TestLocalTimerSuppressedAfterOwnerDeath(t *testing.T) {
	now := 0.0
	w := newTimerWheel(fakeClock(&now))

	owner := &fakeDeadChecker{dead: true}
	fired := false
	w.addTimer(0.01, true, owner, func(args ...interface{}) { fired = true })
	w.prepareTimers()

	now = 1.0
	w.fireDue(now, nil)
	require.False(t, fired)
}

type fakeDeadChecker struct{ dead bool }

func (f *fakeDeadChecker) Dead() bool { return f.dead }

func TestTimerDelaySmoothingStaysWithinBounds(t *testing.T) {
	now := 0.0
	w := newTimerWheel(fakeClock(&now))

	w.addTimer(0.01, false, nil, func(args ...interface{}) {})
	w.prepareTimers()

	now = 100.0 // wildly overdue
	w.fireDue(now, nil)
	require.GreaterOrEqual(t, w.timerDelay, 0.0)
	require.LessOrEqual(t, w.timerDelay, DefaultSleep)
}

func TestTimersCountReflectsAllThreeQueues(t *testing.T) {
	now := 0.0
	w := newTimerWheel(fakeClock(&now))

	w.addTimer(0, false, nil, func(args ...interface{}) {})
	w.addTimer(5, false, nil, func(args ...interface{}) {})
	require.Equal(t, 2, w.len())

	w.prepareTimers()
	require.Equal(t, 2, w.len(), "prepareTimers must not change the total count")
}
