//go:build linux

package reactor

import (
	"math"
	"sync"

	"golang.org/x/sys/unix"
)

// epollDemux is the Linux demux backend: a readiness-based, edge- and
// one-shot-armed epoll instance. Grounded on
// joeycumines-go-utilpkg/eventloop's poller_linux.go:
// direct unix.EpollCreate1/EpollCtl/EpollWait calls, a map from fd to
// registration state guarded by a mutex, preallocated event buffer,
// EINTR retried inline.
type epollDemux struct {
	epfd int

	mu       sync.RWMutex
	handles  map[int]*Handle
	eventBuf []unix.EpollEvent
}

func newDemux() demux {
	return &epollDemux{}
}

func (p *epollDemux) open() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return lastOSError("epoll_create1", err)
	}
	p.epfd = fd
	p.handles = make(map[int]*Handle)
	// A single-slot buffer: exactly one event is consumed per wait call.
	p.eventBuf = make([]unix.EpollEvent, 1)
	return nil
}

func (p *epollDemux) close() error {
	if p.epfd == 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = 0
	if err != nil {
		return lastOSError("close", err)
	}
	return nil
}

// maskToEpoll renders the reactor's abstract mask into epoll event
// bits. EPOLLET|EPOLLONESHOT gives a one-shot-per-interest-assertion
// contract on top of a level-triggered native API.
func maskToEpoll(m Mask) uint32 {
	var ev uint32 = unix.EPOLLET | unix.EPOLLONESHOT
	if m&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	if m&Alive != 0 {
		ev |= unix.EPOLLRDHUP | unix.EPOLLHUP
	}
	return ev
}

func (p *epollDemux) arm(h *Handle, _ uint64) error {
	ev := unix.EpollEvent{Events: maskToEpoll(h.mask), Fd: int32(h.fd)}

	p.mu.Lock()
	_, known := p.handles[h.fd]
	if !known {
		p.handles[h.fd] = h
	}
	p.mu.Unlock()

	op := unix.EPOLL_CTL_MOD
	if !known {
		op = unix.EPOLL_CTL_ADD
	}

	if err := unix.EpollCtl(p.epfd, op, h.fd, &ev); err != nil {
		if !known {
			p.mu.Lock()
			delete(p.handles, h.fd)
			p.mu.Unlock()
		}
		return lastOSError("epoll_ctl", err)
	}
	return nil
}

func (p *epollDemux) disarm(h *Handle) error {
	p.mu.Lock()
	delete(p.handles, h.fd)
	p.mu.Unlock()

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, h.fd, nil); err != nil {
		return lastOSError("epoll_ctl_del", err)
	}
	return nil
}

func (p *epollDemux) wait(timeoutMs int64) (demuxResult, error) {
	to := -1
	if timeoutMs >= 0 {
		to = int(timeoutMs)
		if int64(to) != timeoutMs || timeoutMs > math.MaxInt32 {
			to = math.MaxInt32
		}
	}

	for {
		n, err := unix.EpollWait(p.epfd, p.eventBuf, to)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return demuxResult{}, lastOSError("epoll_wait", err)
		}
		if n == 0 {
			return demuxResult{outcome: outcomeTimeout}, nil
		}

		ev := p.eventBuf[0]
		p.mu.RLock()
		h := p.handles[int(ev.Fd)]
		p.mu.RUnlock()
		if h == nil {
			// Handle was removed between the kernel reporting the
			// event and us resolving it; nothing to dispatch.
			continue
		}
		return demuxResult{outcome: outcomeHandle, handle: h, rawEvents: epollToRaw(ev.Events)}, nil
	}
}

// epollToRaw translates native epoll event bits into the backend-
// independent raw* bits socket.go/accept.go/timer.go key off of.
func epollToRaw(events uint32) uint32 {
	var r uint32
	if events&unix.EPOLLIN != 0 {
		r |= rawRead
	}
	if events&unix.EPOLLOUT != 0 {
		r |= rawWrite
	}
	if events&unix.EPOLLERR != 0 {
		r |= rawErr
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		r |= rawHup
	}
	return r
}

// createTimerFD creates a Linux timerfd configured to fire every
// periodMs milliseconds, using the timerfd_create/timerfd_settime
// sequence as the native timer facility.
func createTimerFD(periodMs int64) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, lastOSError("timerfd_create", err)
	}

	sec := periodMs / 1000
	nsec := (periodMs % 1000) * 1_000_000
	its := unix.ItimerSpec{
		Interval: unix.Timespec{Sec: sec, Nsec: nsec},
		Value:    unix.Timespec{Sec: sec, Nsec: nsec},
	}
	if err := unix.TimerfdSettime(fd, 0, &its, nil); err != nil {
		unix.Close(fd)
		return -1, lastOSError("timerfd_settime", err)
	}
	return fd, nil
}

// drainTimerFD consumes the 8-byte expiration counter from a timerfd.
func drainTimerFD(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func (p *epollDemux) newTimerFD(periodMs int64) (int, error) {
	return createTimerFD(periodMs)
}

func (p *epollDemux) drainTimer(fd int) {
	drainTimerFD(fd)
}

func (p *epollDemux) closeTimerFD(fd int) {
	unix.Close(fd)
}
