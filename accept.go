//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// OnConnectFunc fires once per accepted connection, with the peer
// address formatted as dotted-decimal "a.b.c.d:port".
type OnConnectFunc func(userPtr any, acceptedFd int, peerAddr string)

// OnAcceptDoneFunc fires once, at the Accept Handle's own teardown.
type OnAcceptDoneFunc func(userPtr any)

// Accept is the passive listening endpoint: EAGAIN/EINPROGRESS leaves
// interest unchanged rather than signaling an error, the accepted
// descriptor is set non-blocking before the callback fires, and
// interest always stays READ.
type Accept struct {
	fd      int
	h       *Handle
	logger  Logger
	userPtr any

	onConnect OnConnectFunc
	onDone    OnAcceptDoneFunc

	mu sync.Mutex
}

// NewAccept wraps an already-bound, already-listening socket fd,
// setting it non-blocking immediately.
func NewAccept(fd int, userPtr any, onConnect OnConnectFunc, onDone OnAcceptDoneFunc, logger Logger) (*Accept, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, lastOSError("set_nonblock", err)
	}
	return &Accept{
		fd:        fd,
		userPtr:   userPtr,
		onConnect: onConnect,
		onDone:    onDone,
		logger:    logger,
	}, nil
}

// Fd returns the wrapped listening descriptor.
func (a *Accept) Fd() int { return a.fd }

// Start registers the accept endpoint for read interest.
func (a *Accept) Start(r *Reactor) bool {
	h := NewHandle(a.fd, Read, a, acceptOnEvent, acceptOnRelease)
	a.mu.Lock()
	a.h = h
	a.mu.Unlock()
	ok := r.Add(h, 0)
	if !ok {
		a.logger.Error("reactor: accept registration failed", "fd", a.fd)
	}
	return ok
}

// Close removes the accept endpoint and releases the listening fd via
// on_done.
func (a *Accept) Close(r *Reactor) {
	a.mu.Lock()
	h := a.h
	a.mu.Unlock()
	if h == nil {
		return
	}
	r.Remove(h)
}

func acceptOnEvent(userPtr any, fd int, prior Mask, raw uint32, _ any, _ any) Mask {
	return userPtr.(*Accept).onEvent()
}

func acceptOnRelease(userPtr any, _ *Handle) {
	a := userPtr.(*Accept)
	if a.onDone != nil {
		a.onDone(a.userPtr)
	}
	_ = unix.Close(a.fd)
}

// onEvent accepts exactly one pending connection per dispatch.
func (a *Accept) onEvent() Mask {
	nfd, sa, err := unix.Accept(a.fd)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EWOULDBLOCK, unix.EINPROGRESS, unix.EINTR:
			return Read
		default:
			a.logger.Error("reactor: accept failed", "fd", a.fd, "err", err)
			return Read
		}
	}

	if err := unix.SetNonblock(nfd, true); err != nil {
		a.logger.Error("reactor: accepted fd set_nonblock failed", "fd", nfd, "err", err)
		_ = unix.Close(nfd)
		return Read
	}

	peer := formatPeerAddr(sa)
	if a.onConnect != nil {
		a.onConnect(a.userPtr, nfd, peer)
	}
	return Read
}

// formatPeerAddr renders an IPv4 peer as dotted-decimal "a.b.c.d:port".
// IPv6 peers are rendered as the 16 address bytes in hex, in brackets,
// followed by ":port".
func formatPeerAddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	default:
		return "unknown"
	}
}
