//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package greenhub

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(backendFactory{
		name:      "poll",
		available: func() bool { return true },
		build:     func() (Backend, error) { return newPollBackend(), nil },
	})
}

// pollBackend mirrors registry state via register/modify/unregister
// against a flat []unix.PollFd, per spec.md §4.3.
type pollBackend struct {
	fds   []unix.PollFd
	index map[int]int // fileno -> index into fds
}

func newPollBackend() *pollBackend {
	return &pollBackend{index: make(map[int]int)}
}

func (p *pollBackend) Name() string { return "poll" }

func (p *pollBackend) Register(fileno int, wantRead, wantWrite bool) error {
	if _, ok := p.index[fileno]; ok {
		// a duplicate subscription is benign, matching poll.register's
		// EEXIST-is-ignored behavior.
		return p.Modify(fileno, wantRead, wantWrite)
	}
	p.index[fileno] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fileno), Events: pollEvents(wantRead, wantWrite)})
	return nil
}

func (p *pollBackend) Modify(fileno int, wantRead, wantWrite bool) error {
	i, ok := p.index[fileno]
	if !ok {
		return p.Register(fileno, wantRead, wantWrite)
	}
	p.fds[i].Events = pollEvents(wantRead, wantWrite)
	return nil
}

func (p *pollBackend) Unregister(fileno int) error {
	i, ok := p.index[fileno]
	if !ok {
		return nil
	}
	last := len(p.fds) - 1
	p.fds[i] = p.fds[last]
	p.fds = p.fds[:last]
	delete(p.index, fileno)
	if i != last {
		p.index[int(p.fds[i].Fd)] = i
	}
	return nil
}

func (p *pollBackend) Close() error { return nil }

func pollEvents(wantRead, wantWrite bool) int16 {
	var ev int16
	if wantRead {
		ev |= unix.POLLIN
	}
	if wantWrite {
		ev |= unix.POLLOUT
	}
	return ev
}

func (p *pollBackend) Wait(seconds float64) ([]readyEvent, error) {
	if len(p.fds) == 0 {
		return nil, nil
	}

	timeoutMs := -1
	if seconds >= 0 {
		timeoutMs = int(seconds * 1000)
	}

	n, err := unix.Poll(p.fds, timeoutMs)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]readyEvent, 0, n)
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		var bits mask
		if pfd.Revents&unix.POLLIN != 0 {
			bits |= maskRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			bits |= maskWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			bits |= maskErrHup
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			bits |= maskNVal
		}
		if bits != 0 {
			out = append(out, readyEvent{fileno: int(pfd.Fd), bits: bits})
		}
	}
	return out, nil
}
