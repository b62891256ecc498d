//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import (
	"os"
	"sync"
	"syscall"
)

// NextStatus is the outcome of a single Reactor.Next step.
type NextStatus int

const (
	// NextOK means an ordinary handle event was dispatched.
	NextOK NextStatus = iota
	// NextTimeout means the wait expired with nothing ready.
	NextTimeout
	// NextStop means the loop should stop: a callback returned Abort,
	// or a mapped signal arrived.
	NextStop
)

func (s NextStatus) String() string {
	switch s {
	case NextOK:
		return "OK"
	case NextTimeout:
		return "TIMEOUT"
	case NextStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Reactor is the single-threaded event demultiplexer. Exactly one
// goroutine should call Next/Wait at a time; Add/Remove/Mod may be
// called concurrently from other goroutines since the registry is the
// only mutable state shared across threads.
type Reactor struct {
	logger Logger
	dx     demux

	regMu sync.Mutex
	open  bool
	// registry holds every handle currently owned by this reactor,
	// solely to guarantee release-on-shutdown. The fd/mask bookkeeping
	// used for dispatch lives in the demux backend.
	registry map[*Handle]struct{}

	signalMu  sync.Mutex
	signalMap [32]Mask
	sigSrc    *signalSource
}

// NewReactor allocates a Reactor. It owns no OS resources until Open.
func NewReactor(opts ...Option) *Reactor {
	r := &Reactor{
		logger:   DefaultLogger(),
		registry: make(map[*Handle]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Option configures a Reactor at construction time.
type Option func(*Reactor)

// WithLogger overrides the default no-op Logger.
func WithLogger(l Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.logger = l
		}
	}
}

// Open acquires the native demultiplexer.
func (r *Reactor) Open() error {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if r.open {
		return nil
	}
	dx := newDemux()
	if err := dx.open(); err != nil {
		return err
	}
	r.dx = dx
	r.open = true
	return nil
}

// Close releases the demultiplexer and the registry. Idempotent: a
// second Close on an already-closed Reactor is a no-op.
//
// When SetInterrupts has installed a signal source, a self-directed
// SIGTERM is raised first, so a goroutine blocked in Next can wake via
// the ordinary signal path. Close then releases every registered
// handle and closes the demux fd inline, whether or not a loop is
// running.
func (r *Reactor) Close() error {
	r.regMu.Lock()
	if !r.open {
		r.regMu.Unlock()
		return nil
	}
	r.regMu.Unlock()

	if r.sigSrc != nil {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()
	if !r.open {
		return nil
	}

	for h := range r.registry {
		delete(r.registry, h)
		h.release()
	}

	if r.sigSrc != nil {
		r.sigSrc.close()
		r.sigSrc = nil
	}

	err := r.dx.close()
	r.open = false
	r.dx = nil
	return err
}

// Add installs handle in the demultiplexer and records it in the
// registry. On failure the handle's release callback fires immediately
// and Add reports false.
func (r *Reactor) Add(h *Handle, option uint64) bool {
	r.regMu.Lock()
	if !r.open {
		r.regMu.Unlock()
		r.logger.Error("reactor: add on closed reactor", "fd", h.fd)
		h.release()
		return false
	}
	dx := r.dx
	r.registry[h] = struct{}{}
	r.regMu.Unlock()

	if err := dx.arm(h, option); err != nil {
		r.regMu.Lock()
		delete(r.registry, h)
		r.regMu.Unlock()
		r.logger.Error("reactor: add failed", "fd", h.fd, "err", err)
		h.release()
		return false
	}
	r.logger.Debug("reactor: handle added", "fd", h.fd, "mask", h.mask.String())
	return true
}

// Mod updates a handle's interest mask and re-arms it.
func (r *Reactor) Mod(h *Handle, mask Mask, option uint64) error {
	r.regMu.Lock()
	if !r.open {
		r.regMu.Unlock()
		return ErrNoObject
	}
	dx := r.dx
	r.regMu.Unlock()

	h.mu.Lock()
	h.mask = mask
	h.mu.Unlock()

	if err := dx.arm(h, option); err != nil {
		r.logger.Error("reactor: mod failed", "fd", h.fd, "err", err)
		return err
	}
	return nil
}

// Remove unregisters h from the demultiplexer, extracts it from the
// registry under the mutex, then invokes its release callback outside
// the mutex.
func (r *Reactor) Remove(h *Handle) {
	r.regMu.Lock()
	if !r.open {
		r.regMu.Unlock()
		return
	}
	dx := r.dx
	_, known := r.registry[h]
	delete(r.registry, h)
	r.regMu.Unlock()

	if !known {
		return
	}
	if err := dx.disarm(h); err != nil {
		r.logger.Error("reactor: disarm failed", "fd", h.fd, "err", err)
	}
	h.release()
}

// Next performs one wait-dispatch step. timeoutMs < 0 means indefinite.
func (r *Reactor) Next(timeoutMs int64) (NextStatus, error) {
	r.regMu.Lock()
	if !r.open {
		r.regMu.Unlock()
		return NextTimeout, ErrNoObject
	}
	dx := r.dx
	r.regMu.Unlock()

	res, err := dx.wait(timeoutMs)
	if err != nil {
		return NextTimeout, err
	}
	if res.outcome == outcomeTimeout {
		return NextTimeout, nil
	}

	h := res.handle
	h.mu.Lock()
	prior := h.mask
	released := h.released
	h.mu.Unlock()
	if released {
		return NextOK, nil
	}

	ret := h.onEvent(h.userPtr, h.fd, prior, res.rawEvents, nil, nil)

	switch {
	case ret&Done != 0:
		r.Remove(h)
		if ret&Abort != 0 {
			return NextStop, nil
		}
		return NextOK, nil
	case ret&Abort != 0:
		return NextStop, nil
	case ret == None:
		if err := dx.arm(h, 0); err != nil {
			r.logger.Error("reactor: rearm failed", "fd", h.fd, "err", err)
		}
		return NextOK, nil
	default:
		h.mu.Lock()
		h.mask = ret &^ (Done | Abort)
		h.mu.Unlock()
		if err := dx.arm(h, 0); err != nil {
			r.logger.Error("reactor: rearm failed", "fd", h.fd, "err", err)
		}
		return NextOK, nil
	}
}

// newTimerFD allocates a platform timer identifier for a Timer Handle.
func (r *Reactor) newTimerFD(periodMs int64) (int, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if !r.open {
		return -1, ErrNoObject
	}
	return r.dx.newTimerFD(periodMs)
}

func (r *Reactor) drainTimerFD(fd int) {
	r.regMu.Lock()
	dx := r.dx
	open := r.open
	r.regMu.Unlock()
	if open {
		dx.drainTimer(fd)
	}
}

func (r *Reactor) closeTimerFD(fd int) {
	r.regMu.Lock()
	dx := r.dx
	open := r.open
	r.regMu.Unlock()
	if open {
		dx.closeTimerFD(fd)
	}
}

// Wait repeatedly calls Next(-1) until it returns NextStop.
func (r *Reactor) Wait() error {
	for {
		status, err := r.Next(-1)
		if err != nil {
			return err
		}
		if status == NextStop {
			return nil
		}
	}
}
