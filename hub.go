package greenhub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Hub is the single-threaded event-loop scheduler described in spec.md
// §2: it owns the listener registry, the timer wheel, and a
// replaceable Backend, and is the greenlet every other green task is a
// child of. Nothing in Hub is safe to call concurrently with a running
// tick except Abort, ScheduleCallGlobal/Local and NotifyOpened/Close,
// which are the only operations other goroutines are expected to ever
// call while the hub's own goroutine is inside Run.
type Hub struct {
	reg     *registry
	timers  *timerWheel
	clock   Clock
	backend Backend

	// closedQueueMu guards closedQueue: NotifyOpened (and therefore
	// markAsReopened) is documented as callable from any goroutine, but
	// drainClosedQueue reads and nils it out from the hub's own tick
	// goroutine, so the two sides need a real lock rather than relying
	// on the single-task-at-a-time handoff the rest of the hub's state
	// leans on.
	closedQueueMu sync.Mutex
	closedQueue   []*Listener

	running  bool
	stopping bool

	runMu sync.Mutex

	logger          *zap.SugaredLogger
	debugExceptions bool

	blockDetect *blockDetector

	metrics *hubMetrics
}

// Concurrency note: in the source's true single-threaded model none of
// registry/timerWheel would need their own locking. They carry a small
// mutex apiece (registry.mu, timerWheel.stagingMu) because this port's
// goroutine-based task emulation lets a freshly spawned task run
// concurrently with the hub's own tick goroutine until that task's
// first suspension point (see greentask.Task) — every other access is
// already serialized by the handoff between the hub and whichever task
// it just resumed (Switch/Throw block until the task yields again or
// exits, so the hub's goroutine is never doing anything else while a
// resumed task runs). See DESIGN.md.

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithLogger installs a zap logger for squelched listener/timer panics
// and backend errors (logged only with WithDebugExceptions) and for
// block-detection warnings. The default is a no-op logger, matching
// eventlet's silence outside debug_exceptions mode.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l.Sugar() }
}

// WithDebugExceptions mirrors eventlet's set_timer_exceptions(True):
// squelched listener/timer panics are logged instead of silently
// dropped.
func WithDebugExceptions(on bool) Option {
	return func(h *Hub) { h.debugExceptions = on }
}

// WithDebugListeners mirrors eventlet's set_debug_listeners(True):
// listeners get a uuid + call-site breadcrumb, and timers a uuid, for
// diagnosing leaks.
func WithDebugListeners(on bool) Option {
	return func(h *Hub) { h.reg.debugListeners = on; h.timers.debugEnabled = on }
}

// WithClock overrides the monotonic clock the hub measures time with.
// Overrides the CLOCK environment variable described in spec.md §6.
func WithClock(c Clock) Option {
	return func(h *Hub) { h.clock = c; h.timers.clock = c }
}

// WithBackend installs an explicit Backend instead of letting NewHub
// select one via HUB / DefaultBackendPriority.
func WithBackend(b Backend) Option {
	return func(h *Hub) { h.backend = b }
}

// WithMetrics registers the hub's counters/gauges on reg. With a nil
// registry (the default) the instruments are still updated but are not
// registered anywhere, so nothing is exported.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(h *Hub) { h.metrics = newHubMetrics(reg) }
}

// AllowMultipleWaiters disables the "one primary waiter per (fd,
// evtype)" policy (spec.md §4.1's MultipleWaitersError), letting
// multiple listeners queue as secondaries instead of failing.
func AllowMultipleWaiters() Option {
	return func(h *Hub) { h.reg.preventMultipleWaiters = false }
}

// NewHub constructs a Hub, selecting a Backend per spec.md §6 (HUB env
// var, falling back to DefaultBackendPriority) unless WithBackend
// overrides it.
func NewHub(opts ...Option) (*Hub, error) {
	clock := clockFromEnv()
	h := &Hub{
		reg:    newRegistry(),
		timers: newTimerWheel(clock),
		clock:  clock,
		logger: zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.backend == nil {
		b, err := selectBackend("")
		if err != nil {
			return nil, err
		}
		h.backend = b
	}
	if h.metrics == nil {
		h.metrics = newHubMetrics(nil)
	}
	return h, nil
}

// Backend exposes the hub's selected backend, mostly for tests and for
// logging which one was picked.
func (h *Hub) Backend() Backend { return h.backend }

// Clock returns the hub's current time, per its configured Clock.
func (h *Hub) Clock() float64 { return h.clock() }

// add installs a listener for (evtype, fileno) and, if it's the first
// for that (fileno, evtype), asks the backend to subscribe.
func (h *Hub) add(evtype EvType, fileno int, cb resumeFunc, tb throwFunc, markAsClosed func(), owner deadChecker) (*Listener, error) {
	l, isNew, err := h.reg.add(evtype, fileno, cb, tb, markAsClosed, owner)
	if err != nil {
		return nil, err
	}
	if isNew {
		wantRead, wantWrite := h.reg.mask(fileno)
		if err := h.subscribe(fileno, wantRead, wantWrite); err != nil {
			h.reg.remove(l)
			return nil, err
		}
	}
	if h.metrics != nil {
		h.metrics.listenersGauge.Inc()
	}
	return l, nil
}

func (h *Hub) subscribe(fileno int, wantRead, wantWrite bool) error {
	if !wantRead && !wantWrite {
		return h.backend.Unregister(fileno)
	}
	if h.reg.hasAny(fileno) && (wantRead || wantWrite) {
		// Register is idempotent for backends (EEXIST is swallowed);
		// Modify degrades to Register when nothing was subscribed yet.
		return h.backend.Modify(fileno, wantRead, wantWrite)
	}
	return h.backend.Register(fileno, wantRead, wantWrite)
}

// remove retires a listener and recomputes the backend subscription
// for its fd, per spec.md §4.1.
func (h *Hub) remove(l *Listener) {
	if l.spent {
		return
	}
	h.reg.remove(l)
	wantRead, wantWrite := h.reg.mask(l.fileno)
	_ = h.subscribe(l.fileno, wantRead, wantWrite)
	if h.metrics != nil {
		h.metrics.listenersGauge.Dec()
	}
}

// removeDescriptor nudges every listener on fileno out of its wait
// (spec.md §4.1: "invoke every listener's cb(fileno)... then drop all
// entries"), used when the backend reports NVAL.
func (h *Hub) removeDescriptor(fileno int) {
	for _, l := range h.reg.allListeners(fileno) {
		safeCall(func() { l.cb(fileno) }, func(r interface{}) {
			h.logException("listener callback during remove_descriptor", r)
		})
	}
	h.reg.dropAll(fileno)
	_ = h.backend.Unregister(fileno)
}

// markAsReopened defangs every listener on fileno and enqueues them for
// an IOClosed throw on the next tick, per spec.md §4.1.
func (h *Hub) markAsReopened(fileno int) {
	obsolete := h.reg.obsolete(fileno)
	if len(obsolete) == 0 {
		return
	}
	h.closedQueueMu.Lock()
	h.closedQueue = append(h.closedQueue, obsolete...)
	h.closedQueueMu.Unlock()
	_ = h.backend.Unregister(fileno)
	if h.metrics != nil {
		h.metrics.listenersGauge.Sub(float64(len(obsolete)))
	}
}

// NotifyOpened is the hook a socket/accept/open wrapper calls after any
// such call returns an fd the process might have cached, per spec.md
// §6. It is safe to call from any goroutine; it defangs the fd's
// listeners and drops its backend subscription directly on the calling
// goroutine, and the queued IOClosed throws are delivered by the hub's
// next tick (a TimerArmer backend is woken so that tick runs promptly).
func (h *Hub) NotifyOpened(fileno int) {
	h.markAsReopened(fileno)
	if armer, ok := h.backend.(TimerArmer); ok {
		_ = armer.Wake()
	}
}

// NotifyClose is informational only, per spec.md §4.1's design rule:
// recycling (NotifyOpened) is the sole trigger for listener retirement.
func (h *Hub) NotifyClose(fileno int) {}

// AddTimer schedules cb to run after `seconds` have elapsed. Matches
// schedule_call_global (global: not tied to any task).
func (h *Hub) AddTimer(seconds float64, cb TimerCallback, args ...interface{}) *Timer {
	return h.addTimer(seconds, false, nil, cb, args...)
}

// AddLocalTimer schedules cb the same way AddTimer does, but the timer
// auto-suppresses if owner has died by the time it's due
// (schedule_call_local).
func (h *Hub) AddLocalTimer(seconds float64, owner deadChecker, cb TimerCallback, args ...interface{}) *Timer {
	return h.addTimer(seconds, true, owner, cb, args...)
}

func (h *Hub) addTimer(seconds float64, isLocal bool, owner deadChecker, cb TimerCallback, args ...interface{}) *Timer {
	t := h.timers.addTimer(seconds, isLocal, owner, cb, args...)
	if h.timers.debugEnabled {
		t.debugID = uuid.New()
	}
	if armer, ok := h.backend.(TimerArmer); ok && seconds >= MinTimer {
		if id, err := armer.ArmTimer(t, seconds); err == nil {
			t.onCancel = func() { _ = armer.DisarmTimer(id) }
		} else {
			h.logException("arm timer", err)
		}
	}
	if h.metrics != nil {
		h.metrics.timersScheduled.Inc()
	}
	return t
}

// Run executes tick() until Abort is called. It is the hub's own
// goroutine's entire job; spec.md §4.5 names this "one tick" and a
// loop around it.
func (h *Hub) Run() error {
	h.runMu.Lock()
	if h.running {
		h.runMu.Unlock()
		return errAlreadyRunning
	}
	h.running = true
	h.stopping = false
	h.runMu.Unlock()

	defer func() {
		h.runMu.Lock()
		h.running = false
		h.runMu.Unlock()
	}()

	for !h.stopping {
		if err := h.tick(); err != nil {
			return err
		}
	}
	return nil
}

// Abort stops the runloop. If the tick is in progress it completes
// first (spec.md §4.5 "Termination"); teardown then cancels every
// pending timer, throws IOClosed into every listener still waiting,
// unsubscribes every fd, and closes the backend.
func (h *Hub) Abort() {
	h.runMu.Lock()
	wasRunning := h.running
	h.stopping = true
	h.runMu.Unlock()

	if armer, ok := h.backend.(TimerArmer); ok {
		_ = armer.Wake()
	}
	if !wasRunning {
		h.teardown()
	}
}

func (h *Hub) teardown() {
	h.timers.cancelAll()
	for fileno := range h.reg.snapshotEntries() {
		h.markAsReopened(fileno)
		_ = h.backend.Unregister(fileno)
	}
	h.drainClosedQueue()
	_ = h.backend.Close()
}

// GetReaders/GetWriters/GetTimersCount are small introspection
// accessors carried over from eventlet's hub.py (lines 535-542); the
// package's own tests inspect the registry directly instead.
func (h *Hub) GetReaders() []*Listener { return h.listenersOf(Read) }
func (h *Hub) GetWriters() []*Listener { return h.listenersOf(Write) }

func (h *Hub) listenersOf(evtype EvType) []*Listener {
	var out []*Listener
	for _, e := range h.reg.snapshotEntries() {
		w := h.reg.waitersFor(e, evtype)
		if w.primary != nil {
			out = append(out, w.primary)
		}
		out = append(out, w.secondary...)
	}
	return out
}

func (h *Hub) GetTimersCount() int { return h.timers.len() }

func safeCall(fn func(), onPanic func(r interface{})) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	fn()
}

func (h *Hub) logException(where string, r interface{}) {
	if !h.debugExceptions {
		return
	}
	h.logger.Warnw("squelched exception", "where", where, "panic", r)
}
