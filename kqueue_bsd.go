//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package greenhub

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(backendFactory{
		name:      "kqueue",
		available: func() bool { return true },
		build:     func() (Backend, error) { return newKqueueBackend() },
	})
}

const kqueueMaxEvents = 1024

// kqueueBackend keeps an explicit kevent per (fd, evtype) pair, per
// spec.md §4.3, and re-issues every currently-registered event after a
// detected fork (pid check), per spec.md §5 and DESIGN.md.
type kqueueBackend struct {
	kq     int
	pid    int
	events []unix.Kevent_t

	// wants remembers each fd's last-requested subscription so a
	// detected fork can replay it against a freshly created kqueue fd.
	wants map[int]wantedEvents
}

type wantedEvents struct {
	read, write bool
}

func newKqueueBackend() (*kqueueBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	if _, err := unix.FcntlInt(uintptr(kq), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(kq)
		return nil, errors.Wrap(err, "fcntl FD_CLOEXEC")
	}
	return &kqueueBackend{
		kq:     kq,
		pid:    os.Getpid(),
		events: make([]unix.Kevent_t, kqueueMaxEvents),
		wants:  make(map[int]wantedEvents),
	}, nil
}

func (k *kqueueBackend) Name() string { return "kqueue" }

func (k *kqueueBackend) Register(fileno int, wantRead, wantWrite bool) error {
	k.wants[fileno] = wantedEvents{wantRead, wantWrite}
	return k.apply(fileno, wantRead, wantWrite)
}

func (k *kqueueBackend) Modify(fileno int, wantRead, wantWrite bool) error {
	return k.Register(fileno, wantRead, wantWrite)
}

func (k *kqueueBackend) apply(fileno int, wantRead, wantWrite bool) error {
	var changes []unix.Kevent_t
	changes = append(changes, unix.Kevent_t{
		Ident:  uint64(fileno),
		Filter: unix.EVFILT_READ,
		Flags:  readWriteFlag(wantRead),
	})
	changes = append(changes, unix.Kevent_t{
		Ident:  uint64(fileno),
		Filter: unix.EVFILT_WRITE,
		Flags:  readWriteFlag(wantWrite),
	})
	_, err := unix.Kevent(k.kq, changes, nil, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "kevent control")
	}
	return nil
}

func readWriteFlag(want bool) uint16 {
	if want {
		return unix.EV_ADD | unix.EV_ENABLE
	}
	return unix.EV_DELETE
}

func (k *kqueueBackend) Unregister(fileno int) error {
	delete(k.wants, fileno)
	changes := []unix.Kevent_t{
		{Ident: uint64(fileno), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fileno), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(k.kq, changes, nil, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "kevent delete")
	}
	return nil
}

func (k *kqueueBackend) Close() error {
	return errors.Wrap(unix.Close(k.kq), "close kqueue fd")
}

func (k *kqueueBackend) Wait(seconds float64) ([]readyEvent, error) {
	k.checkFork()

	var ts *unix.Timespec
	if seconds >= 0 {
		t := unix.NsecToTimespec(int64(seconds * 1e9))
		ts = &t
	}

	n, err := unix.Kevent(k.kq, nil, k.events, ts)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "kevent wait")
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := k.events[i]
		var bits mask
		switch ev.Filter {
		case unix.EVFILT_READ:
			bits |= maskRead
		case unix.EVFILT_WRITE:
			bits |= maskWrite
		}
		if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			bits |= maskErrHup
		}
		out = append(out, readyEvent{fileno: int(ev.Ident), bits: bits})
	}
	return out, nil
}

// checkFork detects a pid change (the only portable fork signal
// available here) and, if seen, recreates the kqueue control fd and
// replays every remembered subscription, per spec.md §5's fork-safety
// note.
func (k *kqueueBackend) checkFork() {
	pid := os.Getpid()
	if pid == k.pid {
		return
	}
	k.pid = pid

	unix.Close(k.kq)
	kq, err := unix.Kqueue()
	if err != nil {
		// Nothing useful to do without a control fd; the next Wait
		// will surface the failure to the caller via Kevent's error.
		k.kq = -1
		return
	}
	k.kq = kq
	for fd, w := range k.wants {
		_ = k.apply(fd, w.read, w.write)
	}
}
