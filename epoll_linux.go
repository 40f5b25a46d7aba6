//go:build linux

package greenhub

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(backendFactory{
		name:      "epoll",
		available: func() bool { return true },
		build:     func() (Backend, error) { return newEpollBackend() },
	})
}

const epollMaxEvents = 1024

// epollBackend is the preferred Linux backend (spec.md §4.3): it
// mirrors the registry the same way pollBackend does, via
// epoll_ctl(ADD/MOD/DEL), and maps EPOLLRDHUP to the write-primary +
// fd-recycle dispatch spec.md's table calls for.
type epollBackend struct {
	epfd   int
	events []unix.EpollEvent
	// registered tracks which fds have been ADDed, so Modify can choose
	// between EPOLL_CTL_ADD and EPOLL_CTL_MOD.
	registered map[int]bool
}

func newEpollBackend() (*epollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollBackend{
		epfd:       fd,
		events:     make([]unix.EpollEvent, epollMaxEvents),
		registered: make(map[int]bool),
	}, nil
}

func (e *epollBackend) Name() string { return "epoll" }

func epollEvents(wantRead, wantWrite bool) uint32 {
	var ev uint32
	if wantRead {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLPRI
	}
	if wantWrite {
		ev |= unix.EPOLLOUT
	}
	ev |= unix.EPOLLHUP | unix.EPOLLERR
	return ev
}

func (e *epollBackend) Register(fileno int, wantRead, wantWrite bool) error {
	ev := &unix.EpollEvent{Events: epollEvents(wantRead, wantWrite), Fd: int32(fileno)}
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fileno, ev)
	if err == unix.EEXIST {
		// a duplicate subscription is benign.
		e.registered[fileno] = true
		return e.Modify(fileno, wantRead, wantWrite)
	}
	if err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	e.registered[fileno] = true
	return nil
}

func (e *epollBackend) Modify(fileno int, wantRead, wantWrite bool) error {
	if !e.registered[fileno] {
		return e.Register(fileno, wantRead, wantWrite)
	}
	ev := &unix.EpollEvent{Events: epollEvents(wantRead, wantWrite), Fd: int32(fileno)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fileno, ev); err != nil {
		return errors.Wrap(err, "epoll_ctl mod")
	}
	return nil
}

func (e *epollBackend) Unregister(fileno int) error {
	if !e.registered[fileno] {
		return nil
	}
	delete(e.registered, fileno)
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fileno, nil); err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

func (e *epollBackend) Close() error {
	return errors.Wrap(unix.Close(e.epfd), "close epoll fd")
}

func (e *epollBackend) Wait(seconds float64) ([]readyEvent, error) {
	timeoutMs := -1
	if seconds >= 0 {
		timeoutMs = int(seconds * 1000)
	}

	n, err := unix.EpollWait(e.epfd, e.events, timeoutMs)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "epoll_wait")
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := e.events[i]
		var bits mask
		if ev.Events&unix.EPOLLIN != 0 || ev.Events&unix.EPOLLPRI != 0 {
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
		out = append(out, readyEvent{fileno: int(ev.Fd), bits: bits})
	}
	return out, nil
}
