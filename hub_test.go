package greenhub

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/greenhub-go/greenhub/greentask"
)

// loopbackPair opens a real TCP loopback connection and returns both
// ends' raw file descriptors, matching the teacher's own test style
// (net.Listen("tcp", "localhost:0") rather than a mocked backend) —
// spec.md §8's scenarios are specified against genuine fd readiness.
func loopbackPair(t *testing.T) (aFD, bFD int, cleanup func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	accepted := <-acceptedCh

	a := rawFD(t, dialed)
	b := rawFD(t, accepted)

	cleanup = func() {
		dialed.Close()
		accepted.Close()
		ln.Close()
	}
	return a, b, cleanup
}

func rawFD(t *testing.T, conn net.Conn) int {
	t.Helper()
	sc, ok := conn.(syscall.Conn)
	require.True(t, ok)
	raw, err := sc.SyscallConn()
	require.NoError(t, err)

	var fd int
	err = raw.Control(func(f uintptr) { fd = int(f) })
	require.NoError(t, err)
	return fd
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := NewHub()
	require.NoError(t, err)
	return h
}

// Scenario 1 from spec.md §8: readiness fires.
func TestTrampolineResumesOnReadiness(t *testing.T) {
	a, b, cleanup := loopbackPair(t)
	defer cleanup()

	h := newTestHub(t)
	go h.Run()
	defer h.Abort()

	resultCh := make(chan error, 1)
	task := greentask.Spawn(func(tk *greentask.Task) {
		err := Trampoline(h, tk, a, true, false, -1, nil, nil)
		resultCh <- err
	})
	task.Switch()

	time.Sleep(20 * time.Millisecond)
	_, err := writeByte(b)
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task never resumed on readiness")
	}
}

// Scenario 2: timeout fires.
func TestTrampolineTimesOutWithoutData(t *testing.T) {
	a, _, cleanup := loopbackPair(t)
	defer cleanup()

	h := newTestHub(t)
	go h.Run()
	defer h.Abort()

	resultCh := make(chan error, 1)
	task := greentask.Spawn(func(tk *greentask.Task) {
		err := Trampoline(h, tk, a, true, false, 0.05, Timeout, nil)
		resultCh <- err
	})
	task.Switch()

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, Timeout)
	case <-time.After(time.Second):
		t.Fatal("trampoline never timed out")
	}
}

// Scenario 3: cancel wins the race against the deadline.
func TestTrampolineCancelWinsRaceAgainstTimeout(t *testing.T) {
	a, b, cleanup := loopbackPair(t)
	defer cleanup()

	h := newTestHub(t)
	go h.Run()
	defer h.Abort()

	resultCh := make(chan error, 1)
	task := greentask.Spawn(func(tk *greentask.Task) {
		err := Trampoline(h, tk, a, true, false, 1.0, Timeout, nil)
		resultCh <- err
	})
	task.Switch()

	time.Sleep(10 * time.Millisecond)
	_, err := writeByte(b)
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		require.NoError(t, err, "readiness should have won, not the 1s deadline")
	case <-time.After(time.Second):
		t.Fatal("trampoline never resumed")
	}
}

// Scenario 4: the default multiple-waiters policy rejects a second
// simultaneous primary.
func TestSecondWaiterRejectedByDefaultPolicy(t *testing.T) {
	a, _, cleanup := loopbackPair(t)
	defer cleanup()

	h := newTestHub(t)
	go h.Run()
	defer h.Abort()

	t1Result := make(chan error, 1)
	t1 := greentask.Spawn(func(tk *greentask.Task) {
		t1Result <- Trampoline(h, tk, a, true, false, -1, nil, nil)
	})
	t1.Switch()
	time.Sleep(10 * time.Millisecond)

	t2Result := make(chan error, 1)
	t2 := greentask.Spawn(func(tk *greentask.Task) {
		t2Result <- Trampoline(h, tk, a, true, false, -1, nil, nil)
	})
	t2.Switch()

	select {
	case err := <-t2Result:
		require.ErrorIs(t, err, ErrMultipleWaiters)
	case <-time.After(time.Second):
		t.Fatal("second waiter should have failed synchronously")
	}

	select {
	case err := <-t1Result:
		t.Fatalf("first waiter should still be pending, got %v", err)
	default:
	}
}

// Scenario 6: timer ordering.
func TestScheduleCallGlobalFiresInOrder(t *testing.T) {
	h := newTestHub(t)
	go h.Run()
	defer h.Abort()

	var order []int
	done := make(chan struct{})
	ScheduleCallGlobal(h, 0.01, func(args ...interface{}) { order = append(order, 1) })
	ScheduleCallGlobal(h, 0.02, func(args ...interface{}) { order = append(order, 2) })
	ScheduleCallGlobal(h, 0.03, func(args ...interface{}) {
		order = append(order, 3)
		close(done)
	})

	select {
	case <-done:
		require.Equal(t, []int{1, 2, 3}, order)
	case <-time.After(time.Second):
		t.Fatal("timers never fired")
	}
}

func writeByte(fd int) (int, error) {
	return syscall.Write(fd, []byte{0x1})
}

// Scenario 5: fd recycling. A task blocked on a fd is thrown IOClosed
// once the wrapper reports the integer was reassigned to a new kernel
// object, and the registry entry for it is independent afterwards.
func TestNotifyOpenedThrowsIOClosedIntoWaiter(t *testing.T) {
	a, _, cleanup := loopbackPair(t)
	defer cleanup()

	h := newTestHub(t)
	go h.Run()
	defer h.Abort()

	resultCh := make(chan error, 1)
	task := greentask.Spawn(func(tk *greentask.Task) {
		resultCh <- Trampoline(h, tk, a, true, false, -1, nil, nil)
	})
	task.Switch()
	time.Sleep(10 * time.Millisecond)

	h.NotifyOpened(a)

	var ioClosed *IOClosed
	select {
	case err := <-resultCh:
		require.ErrorAs(t, err, &ioClosed)
	case <-time.After(time.Second):
		t.Fatal("trampoline never observed the recycled fd")
	}

	require.False(t, h.reg.hasAny(a), "recycled fd's old listeners must not linger in the registry")

	// A fresh listener on the same integer is independent of the one
	// that was just thrown into.
	l2Result := make(chan error, 1)
	t2 := greentask.Spawn(func(tk *greentask.Task) {
		l2Result <- Trampoline(h, tk, a, true, false, 0.05, Timeout, nil)
	})
	t2.Switch()
	select {
	case err := <-l2Result:
		require.ErrorIs(t, err, Timeout)
	case <-time.After(time.Second):
		t.Fatal("new listener on recycled fd never observed its own timeout")
	}
}
