package greenhub

import (
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrWatcherClosed is returned by a backend's Wait once that backend
	// has been closed (the epoll-threaded backend does this); tick treats
	// it as the signal to stop and tear the hub down.
	ErrWatcherClosed = errors.New("greenhub: hub closed")

	// ErrUnsupported is returned by NewHub when none of the candidate
	// backends is registered and available on this platform.
	ErrUnsupported = errors.New("greenhub: no available backend")

	// ErrMultipleWaiters is raised synchronously to the second caller of
	// add() for the same (fd, evtype) when the "prevent multiple
	// waiters" policy is on (the default).
	ErrMultipleWaiters = errors.New("greenhub: second simultaneous waiter on fileno")

	// Timeout is thrown into a task when its Trampoline's deadline timer
	// fires before the fd becomes ready. Callers may supply their own
	// timeout_exc to Trampoline instead.
	Timeout = errors.New("greenhub: timed out")

	// errAlreadyRunning guards against a second concurrent Run() call on
	// the same Hub.
	errAlreadyRunning = errors.New("greenhub: hub is already running")
)

// IOClosed is thrown into a task when the fd it was waiting on was
// recycled by the OS (mark_as_reopened) or the hub is shutting down.
// It always carries ENOTCONN, mirroring eventlet's
// IOClosed(errno.ENOTCONN, "Operation on closed file").
type IOClosed struct {
	Err syscall.Errno
}

// NewIOClosed constructs the standard IOClosed(ENOTCONN) value.
func NewIOClosed() *IOClosed {
	return &IOClosed{Err: syscall.ENOTCONN}
}

func (e *IOClosed) Error() string {
	return "greenhub: operation on closed file: " + e.Err.Error()
}

func (e *IOClosed) Unwrap() error { return e.Err }
