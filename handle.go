//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import "sync"

// OnEventFunc is the event callback a Handle is registered with. It
// receives the user pointer, the native descriptor, the interest mask
// in effect before this event, and the raw platform event bits the
// demultiplexer reported, and returns the mask the Reactor should act
// on: NONE to keep the current interest, DONE to unregister, ABORT to
// stop the wait loop, or a fresh interest mask to rearm with.
//
// overlapped and aux are always nil on the unix backends this package
// targets; they are part of the wire contract for parity with a
// Windows IOCP backend, which this package does not implement.
type OnEventFunc func(userPtr any, fd int, prior Mask, platformEvents uint32, overlapped any, aux any) Mask

// OnReleaseFunc is invoked exactly once, the moment a Handle's
// ownership is relinquished (removal, reactor shutdown, or a DONE
// return from on_event).
type OnReleaseFunc func(userPtr any, h *Handle)

// Handle is a reactor-registered record describing interest in a
// native descriptor. It is owned by exactly one Reactor while
// registered; its user pointer must outlive it.
type Handle struct {
	fd        int
	userPtr   any
	mask      Mask
	onEvent   OnEventFunc
	onRelease OnReleaseFunc

	mu       sync.Mutex
	released bool
}

// NewHandle constructs a Handle. The handle is inert until passed to
// Reactor.Add.
func NewHandle(fd int, mask Mask, userPtr any, onEvent OnEventFunc, onRelease OnReleaseFunc) *Handle {
	return &Handle{
		fd:        fd,
		mask:      mask,
		userPtr:   userPtr,
		onEvent:   onEvent,
		onRelease: onRelease,
	}
}

// Fd returns the native descriptor this handle wraps.
func (h *Handle) Fd() int { return h.fd }

// Mask returns the interest mask currently armed for this handle.
func (h *Handle) Mask() Mask { return h.mask }

// release invokes on_release exactly once. Safe to call multiple
// times; only the first call has effect.
func (h *Handle) release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	if h.onRelease != nil {
		h.onRelease(h.userPtr, h)
	}
}
