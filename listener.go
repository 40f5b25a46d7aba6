package greenhub

import (
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// EvType is the direction a Listener is interested in.
type EvType int

const (
	// Read means the listener wants the fd to become readable.
	Read EvType = iota
	// Write means the listener wants the fd to become writable.
	Write
)

func (e EvType) String() string {
	if e == Write {
		return "write"
	}
	return "read"
}

// resumeFunc is invoked when the fd becomes ready; by convention it
// switches back into the waiting task.
type resumeFunc func(fileno int)

// throwFunc raises exc inside the waiting task; used for timeouts and
// fd-recycled notifications.
type throwFunc func(exc error)

// Listener is a task's interest in readiness on a single fd in a single
// direction. The registry is its sole owner: callers only ever hold it
// long enough to pass it back to remove().
type Listener struct {
	evtype       EvType
	fileno       int
	cb           resumeFunc
	tb           throwFunc
	markAsClosed func()

	spent      bool
	owningTask deadChecker

	debugID    uuid.UUID
	debugStack string
}

// deadChecker lets the registry suppress dispatch for a task that has
// already exited, without the registry needing to import the task
// substrate. Any green-task implementation satisfies this trivially.
type deadChecker interface {
	Dead() bool
}

func noopResume(int) {}

// defang silences cb (replacing it with a no-op), invokes markAsClosed
// if present, and marks the listener spent. The listener otherwise
// stays exactly where it is in the registry until the closed-queue
// throw reaches its task and the task's cleanup path calls remove.
func (l *Listener) defang() {
	l.cb = noopResume
	if l.markAsClosed != nil {
		l.markAsClosed()
	}
	l.spent = true
}

// Spent reports whether the listener has been defanged.
func (l *Listener) Spent() bool { return l.spent }

// DebugInfo returns the uuid/call-site breadcrumb recorded when
// the hub was built with WithDebugListeners(true), for diagnosing leaked
// listeners. Both
// fields are zero when debug listeners were never enabled.
func (l *Listener) DebugInfo() (id uuid.UUID, whereCalled string) {
	return l.debugID, l.debugStack
}

// fdWaiters is the primary/secondary queue of listeners for one (fd,
// evtype) pair. primary, when set, is the head of the queue and
// secondary holds the rest in FIFO order; the backend subscribes only to
// primaries.
type fdWaiters struct {
	primary   *Listener
	secondary []*Listener
}

// registry is the listener registry described in spec.md §4.1:
// logically two maps (read, write) from fd to waiters, equivalent here
// to one map fd -> {readers, writers}.
type registry struct {
	// mu guards entries. In the source's true single-threaded model
	// this would be unnecessary; it exists here because this port's
	// goroutine-based task emulation lets a freshly spawned task run
	// concurrently with the hub's own tick goroutine until that task's
	// first suspension point (see greentask.Task and DESIGN.md's
	// concurrency note) — every other access is already serialized by
	// the handoff between the hub and whichever task it just resumed.
	mu sync.Mutex

	entries map[int]*fdEntry

	// preventMultipleWaiters mirrors eventlet's
	// g_prevent_multiple_readers, default on.
	preventMultipleWaiters bool

	debugListeners bool
}

type fdEntry struct {
	readers fdWaiters
	writers fdWaiters
}

func newRegistry() *registry {
	return &registry{
		entries:                make(map[int]*fdEntry),
		preventMultipleWaiters: true,
	}
}

// entry looks up the fdEntry for fileno under lock. The returned
// pointer is shared with the registry; callers on the hub's own
// goroutine read it promptly, before any other task gets a chance to
// run (see the concurrency note on registry.mu).
func (r *registry) entry(fileno int) (*fdEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fileno]
	return e, ok
}

func (r *registry) waitersFor(e *fdEntry, evtype EvType) *fdWaiters {
	if evtype == Read {
		return &e.readers
	}
	return &e.writers
}

// add installs a new Listener for (fileno, evtype). The returned bool
// is true when this is the first listener for that (fileno, evtype) —
// i.e. the backend must subscribe.
func (r *registry) add(evtype EvType, fileno int, cb resumeFunc, tb throwFunc, markAsClosed func(), owner deadChecker) (*Listener, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := &Listener{
		evtype:       evtype,
		fileno:       fileno,
		cb:           cb,
		tb:           tb,
		markAsClosed: markAsClosed,
		owningTask:   owner,
	}
	if r.debugListeners {
		l.debugID = uuid.New()
		l.debugStack = callerLine(3)
	}

	e, ok := r.entries[fileno]
	if !ok {
		e = &fdEntry{}
		r.entries[fileno] = e
	}
	w := r.waitersFor(e, evtype)

	if w.primary == nil {
		w.primary = l
		return l, true, nil
	}

	if r.preventMultipleWaiters {
		return nil, false, ErrMultipleWaiters
	}
	w.secondary = append(w.secondary, l)
	return l, false, nil
}

// remove retires a listener. If secondaries are queued behind it, the
// next one is promoted to primary (the backend subscription is
// unchanged in that case, since a primary remains). It returns nothing;
// the caller recomputes the backend subscription via mask afterwards.
func (r *registry) remove(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.spent {
		// trampoline's unwind path may double-remove.
		return
	}

	e, ok := r.entries[l.fileno]
	if !ok {
		return
	}
	w := r.waitersFor(e, l.evtype)

	if w.primary != l {
		// it's a secondary: splice it out of the queue.
		for i, s := range w.secondary {
			if s == l {
				w.secondary = append(w.secondary[:i], w.secondary[i+1:]...)
				break
			}
		}
		return
	}

	if len(w.secondary) > 0 {
		w.primary, w.secondary = w.secondary[0], w.secondary[1:]
	} else {
		w.primary = nil
	}

	r.gcEmpty(l.fileno, e)
}

func (r *registry) gcEmpty(fileno int, e *fdEntry) {
	if e.readers.primary == nil && len(e.readers.secondary) == 0 &&
		e.writers.primary == nil && len(e.writers.secondary) == 0 {
		delete(r.entries, fileno)
	}
}

// mask computes the READ-bit/WRITE-bit subscription the backend should
// hold for fileno, per invariant 2 in spec.md §8.
func (r *registry) mask(fileno int) (wantRead, wantWrite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[fileno]
	if !ok {
		return false, false
	}
	return e.readers.primary != nil, e.writers.primary != nil
}

// hasAny reports whether any listener (primary or secondary, either
// direction) is registered for fileno.
func (r *registry) hasAny(fileno int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[fileno]
	return ok
}

// allListeners collects every listener (primary and secondary, both
// evtypes) for fileno, in the order spec.md's remove_descriptor wants
// to nudge them: writers before readers, primary before secondary.
func (r *registry) allListeners(fileno int) []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[fileno]
	if !ok {
		return nil
	}
	var out []*Listener
	if e.writers.primary != nil {
		out = append(out, e.writers.primary)
	}
	out = append(out, e.writers.secondary...)
	if e.readers.primary != nil {
		out = append(out, e.readers.primary)
	}
	out = append(out, e.readers.secondary...)
	return out
}

// obsolete defangs every listener (primary and secondary, both
// evtypes) for fileno and returns them so the caller can enqueue them
// onto the closed queue. Used by markAsReopened; removeDescriptor uses
// allListeners and dropAll instead.
func (r *registry) obsolete(fileno int) []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[fileno]
	if !ok {
		return nil
	}

	var found []*Listener
	for _, evtype := range [...]EvType{Write, Read} {
		w := r.waitersFor(e, evtype)
		for _, s := range w.secondary {
			s.defang()
			found = append(found, s)
		}
		w.secondary = nil
		if w.primary != nil {
			p := w.primary
			w.primary = nil
			p.defang()
			found = append(found, p)
		}
	}
	delete(r.entries, fileno)
	return found
}

// dropAll removes every entry for fileno unconditionally, used after
// remove_descriptor has already nudged every listener out of its wait.
func (r *registry) dropAll(fileno int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, fileno)
}

// snapshotEntries returns the fd set currently registered, for
// introspection (GetReaders/GetWriters).
func (r *registry) snapshotEntries() map[int]*fdEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]*fdEntry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// callerLine is used by debug-mode listeners/timers to record a cheap
// "who created this" breadcrumb, replacing eventlet's full
// traceback.format_stack() capture.
func callerLine(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}
