//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// kqueueDemux is the BSD/Darwin demux backend. Grounded on
// joeycumines-go-utilpkg/eventloop's poller_darwin.go: unix.Kqueue,
// unix.Kevent with a preallocated event buffer, and a diff-based
// filter-set update on modify (add newly-wanted filters, delete
// no-longer-wanted ones) rather than a single combined event.
//
// Timer handles (Mask Timer set) are armed against EVFILT_TIMER
// directly, using the BSD timer filter natively instead of a separate
// timer descriptor. Their ident space is disjoint from real descriptors (see
// timerIdents), so a single handles map can't be keyed by ident alone;
// fdHandles and timerIdents are therefore kept separate.
type kqueueDemux struct {
	kq int

	mu          sync.RWMutex
	fdHandles   map[int]*Handle // ident(=fd) -> handle, EVFILT_READ/WRITE
	fdFilters   map[int]uint8   // ident -> last-armed filter bitset
	timerIdents map[int]*Handle // synthetic ident -> handle, EVFILT_TIMER

	nextTimerIdent int

	eventBuf []unix.Kevent_t
}

const (
	filterBitRead uint8 = 1 << iota
	filterBitWrite
)

func newDemux() demux {
	return &kqueueDemux{}
}

func (p *kqueueDemux) open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return lastOSError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.fdHandles = make(map[int]*Handle)
	p.fdFilters = make(map[int]uint8)
	p.timerIdents = make(map[int]*Handle)
	p.nextTimerIdent = 1 << 30
	p.eventBuf = make([]unix.Kevent_t, 1)
	return nil
}

func (p *kqueueDemux) close() error {
	if p.kq == 0 {
		return nil
	}
	err := unix.Close(p.kq)
	p.kq = 0
	if err != nil {
		return lastOSError("close", err)
	}
	return nil
}

func maskToFilterBits(m Mask) uint8 {
	var b uint8
	if m&Read != 0 {
		b |= filterBitRead
	}
	if m&Write != 0 {
		b |= filterBitWrite
	}
	return b
}

func (p *kqueueDemux) arm(h *Handle, option uint64) error {
	if h.mask&Timer != 0 {
		return p.armTimer(h, option)
	}

	want := maskToFilterBits(h.mask)

	p.mu.Lock()
	had := p.fdFilters[h.fd]
	p.fdHandles[h.fd] = h
	p.fdFilters[h.fd] = want
	p.mu.Unlock()

	var kevs []unix.Kevent_t
	addFilter := func(filter int16, bit uint8) {
		if want&bit != 0 {
			var kev unix.Kevent_t
			unix.SetKevent(&kev, h.fd, int(filter), unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT)
			kevs = append(kevs, kev)
		} else if had&bit != 0 {
			var kev unix.Kevent_t
			unix.SetKevent(&kev, h.fd, int(filter), unix.EV_DELETE)
			kevs = append(kevs, kev)
		}
	}
	addFilter(unix.EVFILT_READ, filterBitRead)
	addFilter(unix.EVFILT_WRITE, filterBitWrite)

	if len(kevs) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
		return lastOSError("kevent", err)
	}
	return nil
}

// armTimer (re)arms a periodic EVFILT_TIMER entry. option is the
// period in milliseconds; a rearm with period 0 (as Reactor.Next
// issues) leaves an already-armed periodic timer as it is. h.fd is the
// synthetic ident Timer.Start obtained through newTimerFD (see
// allocTimerIdent).
func (p *kqueueDemux) armTimer(h *Handle, periodMs uint64) error {
	p.mu.Lock()
	_, known := p.timerIdents[h.fd]
	p.timerIdents[h.fd] = h
	p.mu.Unlock()
	if known && periodMs == 0 {
		return nil
	}

	var kev unix.Kevent_t
	unix.SetKevent(&kev, h.fd, unix.EVFILT_TIMER, unix.EV_ADD|unix.EV_ENABLE)
	kev.Data = int64(periodMs)
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return lastOSError("kevent_timer", err)
	}
	return nil
}

// allocTimerIdent hands out a synthetic kqueue ident for a Timer
// handle that has no backing native descriptor.
func (p *kqueueDemux) allocTimerIdent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextTimerIdent
	p.nextTimerIdent++
	return id
}

func (p *kqueueDemux) disarm(h *Handle) error {
	if h.mask&Timer != 0 {
		p.mu.Lock()
		delete(p.timerIdents, h.fd)
		p.mu.Unlock()
		var kev unix.Kevent_t
		unix.SetKevent(&kev, h.fd, unix.EVFILT_TIMER, unix.EV_DELETE)
		_, _ = unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
		return nil
	}

	p.mu.Lock()
	had := p.fdFilters[h.fd]
	delete(p.fdHandles, h.fd)
	delete(p.fdFilters, h.fd)
	p.mu.Unlock()

	var kevs []unix.Kevent_t
	if had&filterBitRead != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, h.fd, unix.EVFILT_READ, unix.EV_DELETE)
		kevs = append(kevs, kev)
	}
	if had&filterBitWrite != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, h.fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		kevs = append(kevs, kev)
	}
	if len(kevs) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
		return lastOSError("kevent_delete", err)
	}
	return nil
}

func (p *kqueueDemux) wait(timeoutMs int64) (demuxResult, error) {
	var ts *unix.Timespec
	var tsVal unix.Timespec
	if timeoutMs >= 0 {
		tsVal = unix.NsecToTimespec(timeoutMs * int64(1_000_000))
		ts = &tsVal
	}

	for {
		n, err := unix.Kevent(p.kq, nil, p.eventBuf, ts)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return demuxResult{}, lastOSError("kevent_wait", err)
		}
		if n == 0 {
			return demuxResult{outcome: outcomeTimeout}, nil
		}

		kev := p.eventBuf[0]
		ident := int(kev.Ident)

		var h *Handle
		p.mu.RLock()
		if kev.Filter == unix.EVFILT_TIMER {
			h = p.timerIdents[ident]
		} else {
			h = p.fdHandles[ident]
		}
		p.mu.RUnlock()

		if h == nil {
			continue
		}
		return demuxResult{outcome: outcomeHandle, handle: h, rawEvents: keventToRaw(kev)}, nil
	}
}

// keventToRaw translates a kevent's filter and flags into the
// backend-independent raw* bits socket.go/accept.go/timer.go key off
// of, mirroring epollToRaw's role on Linux.
func keventToRaw(kev unix.Kevent_t) uint32 {
	var r uint32
	switch kev.Filter {
	case unix.EVFILT_READ:
		r |= rawRead
	case unix.EVFILT_WRITE:
		r |= rawWrite
	case unix.EVFILT_TIMER:
		r |= rawRead
	}
	if kev.Flags&unix.EV_EOF != 0 {
		r |= rawHup
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		r |= rawErr
	}
	return r
}

// createTimerFD has no BSD equivalent: the timer filter lives directly
// on the kqueue, with no separate descriptor. Timer.go calls
// allocTimerIdent via the demux instead on this platform.

func (p *kqueueDemux) newTimerFD(periodMs int64) (int, error) {
	return p.allocTimerIdent(), nil
}

// drainTimer is a no-op: EVFILT_TIMER carries no separate countdown
// descriptor to read.
func (p *kqueueDemux) drainTimer(int) {}

// closeTimerFD is a no-op: there is no real descriptor to release,
// only the synthetic ident already removed by disarm.
func (p *kqueueDemux) closeTimerFD(int) {}
