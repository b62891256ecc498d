//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import "sync"

// OnTickFunc is invoked on every timer fire. A truthy return re-arms
// the timer; a falsy return retires it via DONE.
type OnTickFunc func(userPtr any) bool

// Timer is a periodic callback handle, scheduled through the reactor's
// native timer facility (Linux timerfd) or its timer filter (BSD/Darwin
// EVFILT_TIMER). The OS-level timer is programmed as periodic, but the
// library layers a one-shot-per-fire contract on top by re-arming only
// when on_tick asks for it.
type Timer struct {
	periodMs int64
	userPtr  any
	onTick   OnTickFunc
	logger   Logger

	mu      sync.Mutex
	reactor *Reactor
	fd      int
	h       *Handle
}

// NewTimer constructs a Timer for the given period. It allocates no
// OS resources until Start.
func NewTimer(periodMs int64, userPtr any, onTick OnTickFunc, logger Logger) *Timer {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Timer{
		periodMs: periodMs,
		userPtr:  userPtr,
		onTick:   onTick,
		logger:   logger,
	}
}

// Start allocates the platform timer descriptor/ident and registers
// it with the reactor.
func (t *Timer) Start(r *Reactor) bool {
	fd, err := r.newTimerFD(t.periodMs)
	if err != nil {
		t.logger.Error("reactor: timer allocation failed", "err", err)
		return false
	}

	t.mu.Lock()
	t.reactor = r
	t.fd = fd
	t.mu.Unlock()

	h := NewHandle(fd, Read|Timer, t, timerOnEvent, timerOnRelease)
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()

	ok := r.Add(h, uint64(t.periodMs))
	if !ok {
		r.closeTimerFD(fd)
		t.logger.Error("reactor: timer registration failed", "fd", fd)
	}
	return ok
}

// Stop removes the timer's registration; on_tick will not fire again.
func (t *Timer) Stop() {
	t.mu.Lock()
	h, r := t.h, t.reactor
	t.mu.Unlock()
	if h == nil || r == nil {
		return
	}
	r.Remove(h)
}

func timerOnEvent(userPtr any, fd int, prior Mask, raw uint32, _ any, _ any) Mask {
	return userPtr.(*Timer).onEvent(fd)
}

func (t *Timer) onEvent(fd int) Mask {
	t.mu.Lock()
	r := t.reactor
	t.mu.Unlock()
	if r != nil {
		r.drainTimerFD(fd)
	}

	if t.onTick == nil || !t.onTick(t.userPtr) {
		return Done
	}
	return Read | Timer
}

func timerOnRelease(userPtr any, _ *Handle) {
	t := userPtr.(*Timer)
	t.mu.Lock()
	r, fd := t.reactor, t.fd
	t.mu.Unlock()
	if r != nil {
		r.closeTimerFD(fd)
	}
}
