//go:build linux

package greenhub

import (
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(backendFactory{
		name:      "epoll-threaded",
		available: func() bool { return true },
		build:     func() (Backend, error) { return newEpollThreadedBackend() },
	})
}

const epollThreadedMaxEvents = 1024

// epollThreadedBackend is the epoll+waiter-thread variant of spec.md
// §4.3: a dedicated OS thread blocks in epoll_wait so the scheduler
// goroutine never itself sits in a blocking syscall. Per spec.md §5,
// there are exactly two objects shared between the waiter and the
// scheduler: the fd-event inbox (pending, guarded by mu) and a binary
// wakeup (wake). The waiter thread only appends to pending; the
// scheduler (via Wait) only drains it.
type epollThreadedBackend struct {
	epfd       int
	registered map[int]bool

	mu      sync.Mutex
	pending []readyEvent

	wake chan struct{}
	die  chan struct{}
	eg   errgroup.Group

	closeOnce sync.Once
}

func newEpollThreadedBackend() (*epollThreadedBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	b := &epollThreadedBackend{
		epfd:       epfd,
		registered: make(map[int]bool),
		wake:       make(chan struct{}, 1),
		die:        make(chan struct{}),
	}
	b.eg.Go(b.waiterLoop)
	return b, nil
}

func (b *epollThreadedBackend) Name() string { return "epoll-threaded" }

func (b *epollThreadedBackend) Register(fileno int, wantRead, wantWrite bool) error {
	ev := &unix.EpollEvent{Events: epollEvents(wantRead, wantWrite), Fd: int32(fileno)}
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fileno, ev)
	if err == unix.EEXIST {
		b.registered[fileno] = true
		return b.Modify(fileno, wantRead, wantWrite)
	}
	if err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	b.registered[fileno] = true
	return nil
}

func (b *epollThreadedBackend) Modify(fileno int, wantRead, wantWrite bool) error {
	if !b.registered[fileno] {
		return b.Register(fileno, wantRead, wantWrite)
	}
	ev := &unix.EpollEvent{Events: epollEvents(wantRead, wantWrite), Fd: int32(fileno)}
	return errors.Wrap(unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fileno, ev), "epoll_ctl mod")
}

func (b *epollThreadedBackend) Unregister(fileno int) error {
	if !b.registered[fileno] {
		return nil
	}
	delete(b.registered, fileno)
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fileno, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

func (b *epollThreadedBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.die)
		err = errors.Wrap(unix.Close(b.epfd), "close epoll fd")
		b.eg.Wait()
	})
	return err
}

// Wait drains whatever the waiter thread has produced, blocking (up to
// `seconds`, the hub's normal sleep bound) on the wake signal if the
// inbox is currently empty. Ordering between timers and fd events
// remains the scheduler's responsibility, per spec.md §4.3.
func (b *epollThreadedBackend) Wait(seconds float64) ([]readyEvent, error) {
	if out := b.drain(); len(out) > 0 {
		return out, nil
	}

	var timeout <-chan time.Time
	if seconds == 0 {
		// poll-only: don't block waiting for the signal at all.
		return nil, nil
	} else if seconds > 0 {
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-b.wake:
	case <-timeout:
	case <-b.die:
		return nil, ErrWatcherClosed
	}
	return b.drain(), nil
}

func (b *epollThreadedBackend) drain() []readyEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

func (b *epollThreadedBackend) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// waiterLoop is the dedicated OS thread: it never touches anything
// other than pending/signal, so the scheduler goroutine's state is
// untouched by it.
func (b *epollThreadedBackend) waiterLoop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]unix.EpollEvent, epollThreadedMaxEvents)
	for {
		select {
		case <-b.die:
			return nil
		default:
		}

		n, err := unix.EpollWait(b.epfd, events, int(DefaultSleep*1000))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			select {
			case <-b.die:
				return nil
			default:
			}
			// the epfd was most likely closed out from under us by
			// Close(); either way there's nothing more to wait on.
			return nil
		}
		if n == 0 {
			continue
		}

		batch := make([]readyEvent, 0, n)
		for i := 0; i < n; i++ {
			ev := events[i]
			var bits mask
			if ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
				bits |= maskRead
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				bits |= maskWrite
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				bits |= maskErrHup
			}
			if ev.Events&unix.EPOLLRDHUP != 0 {
				bits |= maskRDHup
			}
			batch = append(batch, readyEvent{fileno: int(ev.Fd), bits: bits})
		}

		b.mu.Lock()
		b.pending = append(b.pending, batch...)
		b.mu.Unlock()
		b.signal()
	}
}
