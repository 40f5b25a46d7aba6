package greenhub

import "github.com/greenhub-go/greenhub/greentask"

// Trampoline is the task-side suspend primitive described in spec.md
// §4.4: it registers a listener for exactly one of read/write on fd,
// optionally arms a deadline timer, yields the calling task into the
// hub, and on any return path (normal, timeout, or recycling) retires
// what it registered.
//
// Exactly one of read/write must be true; violating that is a
// programming error and panics, matching the source's own precondition
// contract rather than returning an error for a case that should never
// happen at runtime.
func Trampoline(h *Hub, task *greentask.Task, fd int, read, write bool, timeout float64, timeoutExc error, markAsClosed func()) error {
	if read == write {
		panic("greenhub: Trampoline requires exactly one of read or write")
	}
	if timeoutExc == nil {
		timeoutExc = Timeout
	}

	evtype := Read
	if write {
		evtype = Write
	}

	var deadline *Timer
	if timeout >= 0 {
		deadline = h.AddTimer(timeout, func(args ...interface{}) {
			task.Throw(timeoutExc)
		})
	}

	listener, err := h.add(evtype, fd, func(int) { task.Switch() }, task.Throw, markAsClosed, task)
	if err != nil {
		if deadline != nil {
			deadline.Cancel()
		}
		return err
	}

	resumeErr := task.Yield()

	h.remove(listener)
	if deadline != nil {
		deadline.Cancel()
	}

	return resumeErr
}

// Sleep suspends the calling task for at least seconds, via a
// timer-only trampoline (spec.md §6's sleep(seconds)).
func Sleep(h *Hub, task *greentask.Task, seconds float64) {
	h.AddTimer(seconds, func(args ...interface{}) {
		task.Switch()
	})
	task.Yield()
}

// ScheduleCallGlobal is the spec's schedule_call_global: a timer not
// tied to any task's lifetime.
func ScheduleCallGlobal(h *Hub, seconds float64, cb TimerCallback, args ...interface{}) *Timer {
	return h.AddTimer(seconds, cb, args...)
}

// ScheduleCallLocal is the spec's schedule_call_local: the timer
// auto-suppresses if owner has already exited by the time it's due.
func ScheduleCallLocal(h *Hub, owner *greentask.Task, seconds float64, cb TimerCallback, args ...interface{}) *Timer {
	return h.AddLocalTimer(seconds, owner, cb, args...)
}
