//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// OnRecvFunc delivers a chunk read off the socket. buf aliases the
// socket's scratch buffer and must not be retained past the call.
type OnRecvFunc func(buf []byte)

// OnSentFunc fires exactly once per completed send, with the payload
// handed to Send. It also fires with a nil payload when a writability
// check requested through MarkWrite finds no buffer queued.
type OnSentFunc func(userPayload any)

// OnDoneFunc fires once, at teardown.
type OnDoneFunc func(userPayload any)

type sendBuf struct {
	buf      []byte
	consumed int
	payload  any
}

// Socket is a reference-counted non-blocking stream socket: a single
// owning struct wrapping one native fd, a lazily-allocated scratch
// read buffer, and drain loops around reads and writes that stop at
// EAGAIN.
type Socket struct {
	fd      int
	id      uuid.UUID
	reactor *Reactor
	h       *Handle
	logger  Logger

	userPtr any
	onRecv  OnRecvFunc
	onSent  OnSentFunc
	onDone  OnDoneFunc

	mu      sync.Mutex
	mask    Mask
	send    *sendBuf
	recvBuf []byte
	inEvent bool

	refcount int32
}

// NewSocket wraps fd, setting it non-blocking immediately, before
// first registration. Reference count starts at 1.
func NewSocket(fd int, userPtr any, onRecv OnRecvFunc, onSent OnSentFunc, onDone OnDoneFunc, logger Logger) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, lastOSError("set_nonblock", err)
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Socket{
		fd:       fd,
		id:       uuid.New(),
		userPtr:  userPtr,
		onRecv:   onRecv,
		onSent:   onSent,
		onDone:   onDone,
		logger:   logger,
		refcount: 1,
	}, nil
}

// ID is a correlation identifier for log lines and diagnostics; it has
// no protocol significance.
func (s *Socket) ID() uuid.UUID { return s.id }

// Fd returns the wrapped native descriptor.
func (s *Socket) Fd() int { return s.fd }

// Start registers the socket for read interest, the initial "listen"
// state of the Socket Handle's interest-mask state machine.
func (s *Socket) Start(r *Reactor) bool {
	s.mu.Lock()
	s.reactor = r
	s.mask = Read
	s.mu.Unlock()

	h := NewHandle(s.fd, Read, s, socketOnEvent, socketOnRelease)
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()

	ok := r.Add(h, 0)
	if !ok {
		s.logger.Error("reactor: socket registration failed", "fd", s.fd, "conn", s.id)
	}
	return ok
}

// Send stores (buf, payload) as the single outstanding send, arms
// write interest, and holds an extra reference until completion.
// A second Send while one is outstanding is ignored with a warning.
// A zero-length buf is a pure flush-barrier notification and does not
// touch reference counting.
func (s *Socket) Send(buf []byte, userPayload any) {
	if len(buf) == 0 {
		if s.onSent != nil {
			s.onSent(userPayload)
		}
		return
	}

	s.mu.Lock()
	if s.send != nil {
		s.mu.Unlock()
		s.logger.Warn("reactor: send while buffer outstanding, dropped", "fd", s.fd, "conn", s.id)
		return
	}
	s.send = &sendBuf{buf: buf, payload: userPayload}
	s.mu.Unlock()

	s.inref()
	s.markWriteLocked()
}

// MarkWrite requests a subsequent writability check without supplying
// a buffer. Safe to call from outside an in-flight event (issues a
// Mod immediately) or from within one (folds WRITE into the mask the
// event handler is about to return). If the socket turns writable with
// no buffer queued, on_sent fires with a nil payload.
func (s *Socket) MarkWrite() {
	s.markWriteLocked()
}

func (s *Socket) markWriteLocked() {
	s.mu.Lock()
	s.mask |= Write
	if s.inEvent {
		s.mu.Unlock()
		return
	}
	m := s.mask
	h := s.h
	r := s.reactor
	s.mu.Unlock()

	if h == nil || r == nil {
		return
	}
	if err := r.Mod(h, m, 0); err != nil {
		s.logger.Error("reactor: mark_write failed", "fd", s.fd, "err", err)
	}
}

// Close sets the registered mask to DONE so the next dispatched event
// tears the registration down. Since that requires a subsequent event
// to actually fire, a read shutdown is issued too and READ is kept in
// the registered mask, so the demultiplexer has something to report
// (see DESIGN.md).
func (s *Socket) Close() {
	s.mu.Lock()
	s.mask = Done
	h := s.h
	r := s.reactor
	s.mu.Unlock()

	if h == nil || r == nil {
		return
	}
	_ = unix.Shutdown(s.fd, unix.SHUT_RD)
	if err := r.Mod(h, Done|Read, 0); err != nil {
		s.logger.Error("reactor: close mod failed", "fd", s.fd, "err", err)
	}
}

func (s *Socket) inref() int32 {
	return atomic.AddInt32(&s.refcount, 1)
}

// unref drops a reference; at zero the socket tears itself down
// exactly once.
func (s *Socket) unref() {
	if atomic.AddInt32(&s.refcount, -1) == 0 {
		s.teardown()
	}
}

func (s *Socket) soError() int {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0
	}
	return errno
}

// socketOnEvent adapts the Handle callback contract to Socket.onEvent.
func socketOnEvent(userPtr any, fd int, prior Mask, raw uint32, _ any, _ any) Mask {
	return userPtr.(*Socket).onEvent(raw)
}

// socketOnRelease drops the reference the Reactor's registration held
// the moment the Handle is released: the Reactor holds one strong
// reference for as long as the Handle stays registered.
func socketOnRelease(userPtr any, _ *Handle) {
	userPtr.(*Socket).unref()
}

// onEvent checks SO_ERROR first, then drains reads, then drains the
// pending write.
func (s *Socket) onEvent(raw uint32) Mask {
	s.mu.Lock()
	s.inEvent = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inEvent = false
		s.mu.Unlock()
	}()

	if errno := s.soError(); errno != 0 {
		s.logger.Error("reactor: socket error", "fd", s.fd, "conn", s.id, "errno", errno)
		s.dropInFlightSend()
		return Done
	}

	if raw&(rawRead|rawHup) != 0 {
		peerClosed, err := s.drainRead()
		if err != nil {
			s.logger.Error("reactor: recv failed", "fd", s.fd, "conn", s.id, "err", err)
			s.dropInFlightSend()
			return Done
		}
		if peerClosed {
			s.dropInFlightSend()
			return Done
		}
	}

	if raw&rawWrite != 0 {
		if s.drainWrite() {
			return Done
		}
	}

	s.mu.Lock()
	ret := s.mask
	s.mu.Unlock()
	return ret
}

func (s *Socket) dropInFlightSend() {
	s.mu.Lock()
	had := s.send != nil
	s.send = nil
	s.mu.Unlock()
	if had {
		s.unref()
	}
}

// drainRead reads until EAGAIN or EOF, delivering each non-empty chunk
// to onRecv. The scratch buffer is allocated lazily, default 1 KiB.
func (s *Socket) drainRead() (peerClosed bool, err error) {
	for {
		s.mu.Lock()
		if s.recvBuf == nil {
			s.recvBuf = make([]byte, 1024)
		}
		buf := s.recvBuf
		s.mu.Unlock()

		n, rerr := unix.Read(s.fd, buf)
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR {
				return false, nil
			}
			return false, rerr
		}
		if n == 0 {
			return true, nil
		}
		if s.onRecv != nil {
			s.onRecv(buf[:n])
		}
	}
}

// drainWrite pumps the outstanding send buffer. It returns true if the
// socket should tear down (a hard write error, or writtenBytes == 0
// treated as peer close).
func (s *Socket) drainWrite() bool {
	for {
		s.mu.Lock()
		sb := s.send
		if sb == nil {
			// Writable with nothing queued: this is a primed-but-idle
			// socket (see SocketCache.Set's MarkWrite call). Drop WRITE
			// interest instead of leaving it armed, or an idle writable
			// fd would redispatch every Next call, and report the
			// writability through on_sent with a nil payload.
			s.mask &^= Write
			onSent := s.onSent
			s.mu.Unlock()
			if onSent != nil {
				onSent(nil)
			}
			return false
		}
		tail := sb.buf[sb.consumed:]
		s.mu.Unlock()

		n, err := unix.Write(s.fd, tail)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			s.logger.Error("reactor: send failed", "fd", s.fd, "conn", s.id, "err", err)
			s.mu.Lock()
			s.send = nil
			s.mask &^= Write
			s.mu.Unlock()
			s.unref()
			return true
		}
		if n == 0 {
			s.mu.Lock()
			s.send = nil
			s.mask &^= Write
			s.mu.Unlock()
			s.unref()
			return true
		}

		s.mu.Lock()
		sb.consumed += n
		finished := sb.consumed >= len(sb.buf)
		var payload any
		if finished {
			payload = sb.payload
			s.send = nil
			s.mask &^= Write
		}
		s.mu.Unlock()

		if finished {
			if s.onSent != nil {
				s.onSent(payload)
			}
			s.unref()
			return false
		}
	}
}

// teardown runs exactly once, when refcount reaches zero: fire
// on_done, release the scratch buffer, linger, shutdown, close, in
// that order.
func (s *Socket) teardown() {
	s.mu.Lock()
	userPtr := s.userPtr
	s.recvBuf = nil
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(userPtr)
	}

	linger := unix.Linger{Onoff: 1, Linger: 0}
	_ = unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger)
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	_ = unix.Close(s.fd)
}
