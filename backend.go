package greenhub

import (
	"os"
	"strings"
)

// mask bits describing kernel readiness, independent of backend.
// Backends translate their own raw event bits into these before
// handing a batch back to the hub (spec.md §4.3's dispatch table).
type mask uint8

const (
	maskRead mask = 1 << iota
	maskWrite
	maskErrHup
	maskRDHup // peer half-close (epoll only)
	maskNVal  // invalid fd
)

// readyEvent is one (fileno, mask) pair returned by Backend.Wait.
type readyEvent struct {
	fileno int
	bits   mask
}

// Backend is the pluggable kernel-readiness engine contract spec.md §6
// requires of every replaceable poller.
type Backend interface {
	// Register subscribes fileno for the given mask (read/write/both).
	Register(fileno int, wantRead, wantWrite bool) error
	// Modify recomputes fileno's subscription.
	Modify(fileno int, wantRead, wantWrite bool) error
	// Unregister drops fileno entirely.
	Unregister(fileno int) error
	// Wait blocks up to seconds (negative: forever, zero: poll-only)
	// and returns the fds that became ready.
	Wait(seconds float64) ([]readyEvent, error)
	// Close releases the backend's kernel resources.
	Close() error
	// Name identifies the backend for logging/metrics.
	Name() string
}

// backendFactory probes availability and, if available, constructs the
// backend.
type backendFactory struct {
	name      string
	available func() bool
	build     func() (Backend, error)
}

// DefaultBackendPriority is the backend selection order from spec.md
// §6: timerfd+eventfd+epoll, epoll, kqueue, poll, select — first
// available wins, overridable by the HUB environment variable.
var DefaultBackendPriority = []string{
	"epoll-timerfd", "epoll", "kqueue", "poll", "select",
}

// selectBackend implements get_hub()/use_hub(name): pick the first
// available backend honoring the HUB env var (or an explicit
// preference), falling back to DefaultBackendPriority.
func selectBackend(preferred string) (Backend, error) {
	if preferred == "" {
		preferred = os.Getenv("HUB")
	}
	order := DefaultBackendPriority
	if preferred != "" {
		order = append([]string{preferred}, order...)
	}

	seen := make(map[string]bool)
	var lastErr error
	for _, name := range order {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		f, ok := backendFactories[name]
		if !ok || !f.available() {
			continue
		}
		b, err := f.build()
		if err != nil {
			lastErr = err
			continue
		}
		return b, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrUnsupported
}

// backendFactories is populated by each backend's platform-specific
// file via init(), so a build that lacks e.g. kqueue_bsd.go simply
// never registers "kqueue".
var backendFactories = map[string]backendFactory{}

func registerBackend(f backendFactory) {
	backendFactories[f.name] = f
}
