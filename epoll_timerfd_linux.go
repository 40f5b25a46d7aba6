//go:build linux

package greenhub

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(backendFactory{
		name:      "epoll-timerfd",
		available: func() bool { return true },
		build:     func() (Backend, error) { return newEpollTimerBackend() },
	})
}

// TimerArmer is implemented by backends that back every Timer with its
// own kernel timer instead of relying on the hub to compute a sleep
// bound (spec.md §4.3's epoll+timerfd+eventfd variant). When the hub's
// backend implements TimerArmer, tick() skips the wait_seconds
// computation in spec.md §4.5 step 5 entirely and lets Wait block
// until the kernel itself has something to report.
type TimerArmer interface {
	// ArmTimer creates a one-shot timerfd for t, due in `seconds`, and
	// returns an id Wait can later resolve back to t via TimerForFD.
	ArmTimer(t *Timer, seconds float64) (id int, err error)
	// DisarmTimer releases the kernel timer for id (Timer.Cancel()
	// before it has fired).
	DisarmTimer(id int) error
	// TimerForFD resolves a readyEvent's fileno, when it carries
	// maskTimerFD, back to the Timer it was armed for.
	TimerForFD(fileno int) (*Timer, bool)
	// Wake breaks a blocked Wait from another goroutine, via the
	// backend's eventfd.
	Wake() error
}

const maskTimerFD mask = 1 << 7

const epollTimerMaxEvents = 1024

// epollTimerBackend is the epoll+timerfd+eventfd variant: every Timer
// owns a one-shot EPOLLONESHOT timerfd, and a single eventfd services
// cross-goroutine wakeups. It keeps a tagged fd -> (kind, record) table
// as spec.md's design notes suggest for this variant.
type epollTimerBackend struct {
	epfd    int
	wakeFD  int
	events  []unix.EpollEvent
	kinds   map[int]fdRecord
	wakeBuf [8]byte

	// registered tracks which file fds have actually been ADDed, so
	// Modify can tell a fresh fd (never subscribed) from one that
	// already holds a kernel registration, mirroring epollBackend.
	registered map[int]bool
}

type fdKind int

const (
	kindFile fdKind = iota
	kindTimer
	kindEvent
)

type fdRecord struct {
	kind  fdKind
	timer *Timer
}

func newEpollTimerBackend() (*epollTimerBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	b := &epollTimerBackend{
		epfd:       epfd,
		wakeFD:     wakeFD,
		events:     make([]unix.EpollEvent, epollTimerMaxEvents),
		kinds:      make(map[int]fdRecord),
		registered: make(map[int]bool),
	}
	b.kinds[wakeFD] = fdRecord{kind: kindEvent}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, errors.Wrap(err, "epoll_ctl add eventfd")
	}
	return b, nil
}

func (b *epollTimerBackend) Name() string { return "epoll-timerfd" }

func (b *epollTimerBackend) Register(fileno int, wantRead, wantWrite bool) error {
	b.kinds[fileno] = fdRecord{kind: kindFile}
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

func (b *epollTimerBackend) Modify(fileno int, wantRead, wantWrite bool) error {
	if !b.registered[fileno] {
		return b.Register(fileno, wantRead, wantWrite)
	}
	ev := &unix.EpollEvent{Events: epollEvents(wantRead, wantWrite), Fd: int32(fileno)}
	return errors.Wrap(unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fileno, ev), "epoll_ctl mod")
}

func (b *epollTimerBackend) Unregister(fileno int) error {
	delete(b.kinds, fileno)
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

func (b *epollTimerBackend) Close() error {
	var errs []error
	if err := unix.Close(b.epfd); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(b.wakeFD); err != nil {
		errs = append(errs, err)
	}
	for fd, rec := range b.kinds {
		if rec.kind == kindTimer {
			unix.Close(fd)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "close epoll-timerfd backend")
	}
	return nil
}

func (b *epollTimerBackend) ArmTimer(t *Timer, seconds float64) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "timerfd_create")
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(seconds * 1e9)),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "timerfd_settime")
	}
	b.kinds[fd] = fdRecord{kind: kindTimer, timer: t}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}); err != nil {
		delete(b.kinds, fd)
		unix.Close(fd)
		return -1, errors.Wrap(err, "epoll_ctl add timerfd")
	}
	return fd, nil
}

func (b *epollTimerBackend) DisarmTimer(id int) error {
	delete(b.kinds, id)
	unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, id, nil)
	return errors.Wrap(unix.Close(id), "close timerfd")
}

func (b *epollTimerBackend) TimerForFD(fileno int) (*Timer, bool) {
	rec, ok := b.kinds[fileno]
	if !ok || rec.kind != kindTimer {
		return nil, false
	}
	return rec.timer, true
}

func (b *epollTimerBackend) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(b.wakeFD, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return errors.Wrap(err, "eventfd write")
}

// Wait blocks until any file descriptor, timer, or wake event is
// reported. Since every timer is independently armed, the hub never
// needs to compute a sleep bound for this backend: Wait always blocks
// indefinitely except when the caller explicitly polls (seconds == 0).
func (b *epollTimerBackend) Wait(seconds float64) ([]readyEvent, error) {
	timeoutMs := -1
	if seconds == 0 {
		timeoutMs = 0
	}

	n, err := unix.EpollWait(b.epfd, b.events, timeoutMs)
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
		ev := b.events[i]
		fd := int(ev.Fd)
		rec, known := b.kinds[fd]
		if !known {
			continue
		}
		switch rec.kind {
		case kindEvent:
			unix.Read(fd, b.wakeBuf[:])
		case kindTimer:
			var buf [8]byte
			unix.Read(fd, buf[:])
			out = append(out, readyEvent{fileno: fd, bits: maskTimerFD})
		case kindFile:
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
			out = append(out, readyEvent{fileno: fd, bits: bits})
		}
	}
	return out, nil
}
