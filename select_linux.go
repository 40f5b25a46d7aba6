//go:build linux

package greenhub

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(backendFactory{
		name:      "select",
		available: func() bool { return true },
		build:     func() (Backend, error) { return newSelectBackend(), nil },
	})
}

// selectBackend is the portable fallback named in spec.md §4.3: it
// keeps no kernel registration and rebuilds its read/write/err fd sets
// from the registry on every Wait. Bad fds are found by one-at-a-time
// probing, mirroring eventlet's selects.py _remove_bad_fds.
//
// Restricted to linux: unix.FdSet's word layout ([16]int64) is not
// portable across the other unix GOOS values x/sys/unix supports, and
// a raw bit-twiddling fdSet/fdIsSet that assumed a uniform layout would
// silently corrupt the set on a platform where it doesn't hold. kqueue
// and poll already cover BSD/Darwin, so select is Linux-only here.
type selectBackend struct {
	readers map[int]bool
	writers map[int]bool
}

func newSelectBackend() *selectBackend {
	return &selectBackend{
		readers: make(map[int]bool),
		writers: make(map[int]bool),
	}
}

func (s *selectBackend) Name() string { return "select" }

func (s *selectBackend) Register(fileno int, wantRead, wantWrite bool) error {
	return s.Modify(fileno, wantRead, wantWrite)
}

func (s *selectBackend) Modify(fileno int, wantRead, wantWrite bool) error {
	if wantRead {
		s.readers[fileno] = true
	} else {
		delete(s.readers, fileno)
	}
	if wantWrite {
		s.writers[fileno] = true
	} else {
		delete(s.writers, fileno)
	}
	return nil
}

func (s *selectBackend) Unregister(fileno int) error {
	delete(s.readers, fileno)
	delete(s.writers, fileno)
	return nil
}

func (s *selectBackend) Close() error { return nil }

func (s *selectBackend) Wait(seconds float64) ([]readyEvent, error) {
	if len(s.readers) == 0 && len(s.writers) == 0 {
		if seconds > 0 {
			time.Sleep(time.Duration(seconds * float64(time.Second)))
		}
		return nil, nil
	}

	var rset, wset, eset unix.FdSet
	maxFd := 0
	for fd := range s.readers {
		fdSet(&rset, fd)
		fdSet(&eset, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	for fd := range s.writers {
		fdSet(&wset, fd)
		fdSet(&eset, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}

	tv := secondsToTimeval(seconds)
	n, err := unix.Select(maxFd+1, &rset, &wset, &eset, tv)
	if err == unix.EINTR {
		return nil, nil
	}
	if err == unix.EBADF {
		return s.removeBadFDs(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select")
	}
	if n == 0 {
		return nil, nil
	}

	var out []readyEvent
	for fd := range s.readers {
		if fdIsSet(&rset, fd) || fdIsSet(&eset, fd) {
			out = append(out, readyEvent{fileno: fd, bits: maskRead})
		}
	}
	for fd := range s.writers {
		if fdIsSet(&wset, fd) || fdIsSet(&eset, fd) {
			out = append(out, readyEvent{fileno: fd, bits: maskWrite})
		}
	}
	return out, nil
}

// removeBadFDs probes every registered fd with a zero-timeout select on
// itself alone; any fd that errors EBADF is reported NVAL so the hub
// can remove_descriptor it, per spec.md §4.3.
func (s *selectBackend) removeBadFDs() []readyEvent {
	var out []readyEvent
	zero := &unix.Timeval{}
	probe := func(fd int) bool {
		var fds unix.FdSet
		fdSet(&fds, fd)
		_, err := unix.Select(fd+1, &fds, nil, nil, zero)
		return err == unix.EBADF
	}
	for fd := range s.readers {
		if probe(fd) {
			out = append(out, readyEvent{fileno: fd, bits: maskNVal})
		}
	}
	for fd := range s.writers {
		if probe(fd) {
			out = append(out, readyEvent{fileno: fd, bits: maskNVal})
		}
	}
	return out
}

func secondsToTimeval(seconds float64) *unix.Timeval {
	if seconds < 0 {
		return nil
	}
	tv := unix.NsecToTimeval(int64(seconds * float64(time.Second)))
	return &tv
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
