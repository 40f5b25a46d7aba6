// Package greenhub implements the core of a cooperative concurrency
// runtime: a single-threaded event hub that multiplexes file-descriptor
// readiness and timers against lightweight green tasks.
//
// A green task suspends itself by calling Trampoline, which registers a
// Listener for the fd/direction it is waiting on (and, optionally, a
// Timer for the timeout) and yields to the Hub. The Hub owns a pluggable
// Backend (select/poll/epoll/kqueue/timerfd+eventfd) that turns listener
// registrations into kernel readiness subscriptions; when the backend
// reports an fd ready, or a Timer fires, the Hub resumes the waiting
// task.
//
// The package does not implement green tasks itself. The greentask
// subpackage is a minimal external boundary: a goroutine-per-task
// switch/throw emulator, just enough to drive Trampoline from tests and
// from callers that don't already have a coroutine substrate of their
// own.
package greenhub
