package greenhub

// tick runs exactly one iteration of the scheduler loop, per spec.md
// §4.5's eight numbered steps. It is only ever called from the hub's
// own goroutine (Run's loop).
func (h *Hub) tick() error {
	// 1. Drain the closed-listener queue: every listener on it has
	// already been defanged by markAsReopened/obsolete and just needs
	// its throw delivered so the waiting task unwinds.
	h.drainClosedQueue()

	// 2. Merge newly-scheduled timers into the heap.
	h.timers.prepareTimers()

	// 3. Fire immediate timers unconditionally, ahead of any kernel
	// wait.
	h.timers.fireImmediate(h.onTimerPanic)

	// 4. Fire everything already due.
	nextDue, hasNext := h.timers.fireDue(h.clock(), h.onTimerPanic)

	// 5. Compute the wait bound, unless the active backend arms its own
	// kernel timers (spec.md §4.3's epoll-timerfd note: "the hub no
	// longer computes a sleep bound").
	waitSeconds := h.computeWaitSeconds(nextDue, hasNext)

	// 6. Block in the backend.
	events, err := h.backend.Wait(waitSeconds)
	if err != nil {
		if err == ErrWatcherClosed {
			h.stopping = true
			h.teardown()
			return nil
		}
		h.logException("backend wait", err)
		return nil
	}

	// 7. Dispatch every ready event per the mask table.
	for _, ev := range events {
		h.dispatch(ev)
	}

	// 8. Loop (the caller's for !h.stopping).
	if h.stopping {
		h.teardown()
	}
	return nil
}

func (h *Hub) drainClosedQueue() {
	h.closedQueueMu.Lock()
	batch := h.closedQueue
	h.closedQueue = nil
	h.closedQueueMu.Unlock()

	if len(batch) == 0 {
		return
	}
	exc := NewIOClosed()
	for _, l := range batch {
		safeCall(func() { l.tb(exc) }, func(r interface{}) {
			h.logException("listener timeout/close callback", r)
		})
	}
}

// computeWaitSeconds folds spec.md §4.2's timer_delay smoothing into
// the sleep bound: an overdue hub shortens its next sleep so it can
// catch back up, floored at zero and capped at DefaultSleep.
func (h *Hub) computeWaitSeconds(nextDue float64, hasNext bool) float64 {
	if _, ok := h.backend.(TimerArmer); ok {
		return -1
	}
	if h.timers.hasImmediate() {
		return 0
	}
	if !hasNext {
		return DefaultSleep
	}
	bound := nextDue - h.clock() - h.timers.timerDelay
	if bound < 0 {
		return 0
	}
	if bound > DefaultSleep {
		return DefaultSleep
	}
	return bound
}

func (h *Hub) onTimerPanic(t *Timer, r interface{}) {
	h.logException("timer callback", r)
	if h.metrics != nil {
		h.metrics.timerFaults.Inc()
	}
}

// dispatch routes one readyEvent to its listeners, per spec.md §4.3's
// mask table: NVAL removes the descriptor entirely; ERR/HUP wake both
// directions (a reader or writer needs to observe the failure); RDHUP
// wakes writers (the remote stopped reading, further writes will
// error) and then marks the fd recycled. Readers are woken only by a
// READ or ERR/HUP bit.
func (h *Hub) dispatch(ev readyEvent) {
	if armer, ok := h.backend.(TimerArmer); ok {
		if ev.bits&maskTimerFD != 0 {
			if t, found := armer.TimerForFD(ev.fileno); found {
				h.timers.invoke(t, h.onTimerPanic)
			}
			return
		}
	}

	if ev.bits&maskNVal != 0 {
		h.removeDescriptor(ev.fileno)
		return
	}

	e, ok := h.reg.entry(ev.fileno)
	if !ok {
		return
	}

	fatal := ev.bits&maskErrHup != 0
	if fatal || ev.bits&maskRead != 0 {
		h.fire(&e.readers, ev.fileno)
	}
	if fatal || ev.bits&maskRDHup != 0 || ev.bits&maskWrite != 0 {
		h.fire(&e.writers, ev.fileno)
	}
	if ev.bits&maskRDHup != 0 {
		// spec.md §4.3's dispatch table: peer half-close wakes the
		// write-primary, then the fd is treated as recycled so any
		// listener still registered on it is thrown IOClosed on the next
		// tick rather than left hanging. Listeners added later are not
		// affected.
		h.markAsReopened(ev.fileno)
	}
}

func (h *Hub) fire(w *fdWaiters, fileno int) {
	if w.primary == nil {
		return
	}
	l := w.primary
	if l.owningTask != nil && l.owningTask.Dead() {
		h.remove(l)
		return
	}
	safeCall(func() {
		h.blockDetect.guard("listener callback", func() { l.cb(fileno) })
	}, func(r interface{}) {
		h.logException("listener callback", r)
	})
	if h.metrics != nil {
		h.metrics.eventsDispatched.Inc()
	}
}
