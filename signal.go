//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalSource integrates process signal delivery into the wait loop
// without racing Go's runtime-owned signal handling. Grounded on
// joeycumines-go-utilpkg/eventloop's wakeup_linux.go/wakeup_darwin.go
// self-pipe pattern: a goroutine receives from signal.Notify and
// writes the signal number as a single byte into a non-blocking pipe,
// whose read end is registered as an ordinary Handle. A raw signalfd
// (Linux) or EVFILT_SIGNAL (BSD) registration would instead contend
// with the Go scheduler's own signal ownership — see DESIGN.md.
type signalSource struct {
	r, w int
	ch   chan os.Signal
	done chan struct{}
	h    *Handle
}

func newSignalSource(r *Reactor) (*signalSource, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, lastOSError("pipe", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, lastOSError("set_nonblock", err)
		}
	}

	s := &signalSource{
		r:    fds[0],
		w:    fds[1],
		ch:   make(chan os.Signal, 8),
		done: make(chan struct{}),
	}

	s.h = NewHandle(s.r, Read, r, s.onEvent, nil)
	if !r.Add(s.h, 0) {
		unix.Close(s.r)
		unix.Close(s.w)
		return nil, newError(KindOS, "signal handle registration failed", nil)
	}

	go s.pump()
	return s, nil
}

func (s *signalSource) pump() {
	for {
		select {
		case sig, ok := <-s.ch:
			if !ok {
				return
			}
			signo := signalNumber(sig)
			if signo <= 0 || signo >= 32 {
				continue
			}
			_, _ = unix.Write(s.w, []byte{byte(signo)})
		case <-s.done:
			return
		}
	}
}

func signalNumber(sig os.Signal) int {
	if n, ok := sig.(syscall.Signal); ok {
		return int(n)
	}
	return -1
}

// onEvent drains every pending signal byte and maps the most urgent
// one observed to its configured return mask.
func (s *signalSource) onEvent(userPtr any, fd int, prior Mask, platformEvents uint32, overlapped any, aux any) Mask {
	r := userPtr.(*Reactor)

	var buf [64]byte
	result := None
	for {
		n, err := unix.Read(s.r, buf[:])
		if n <= 0 || err != nil {
			break
		}
		for _, b := range buf[:n] {
			r.signalMu.Lock()
			m := r.signalMap[b]
			r.signalMu.Unlock()
			if m&Abort != 0 {
				result = Abort
			} else if m == None {
				r.logger.Info("reactor: unmapped signal ignored", "signo", int(b))
			}
		}
	}
	return Read | result
}

func (s *signalSource) close() {
	signal.Stop(s.ch)
	close(s.done)
	unix.Close(s.r)
	unix.Close(s.w)
}

// SetInterrupts arranges for SIGINT/SIGTERM to surface as ABORT,
// lazily installing the signalSource on first use.
func (r *Reactor) SetInterrupts(wantSIGINT, wantSIGTERM bool) error {
	r.signalMu.Lock()
	src := r.sigSrc
	r.signalMu.Unlock()

	if src == nil {
		var err error
		src, err = newSignalSource(r)
		if err != nil {
			return err
		}
		r.signalMu.Lock()
		r.sigSrc = src
		r.signalMu.Unlock()
	}

	var sigs []os.Signal
	if wantSIGINT {
		sigs = append(sigs, syscall.SIGINT)
	}
	if wantSIGTERM {
		sigs = append(sigs, syscall.SIGTERM)
	}
	if len(sigs) == 0 {
		return nil
	}

	if wantSIGINT {
		if err := r.SignalMap(int(syscall.SIGINT), Abort); err != nil {
			return err
		}
	}
	if wantSIGTERM {
		if err := r.SignalMap(int(syscall.SIGTERM), Abort); err != nil {
			return err
		}
	}

	signal.Notify(src.ch, sigs...)
	return nil
}

// SignalMap maps signo to mask in the process-wide signal table.
// Re-mapping an already-mapped signal replaces its entry. signo must
// satisfy 0 < signo < 32.
func (r *Reactor) SignalMap(signo int, mask Mask) error {
	if signo <= 0 || signo >= 32 {
		return ErrMissingParam
	}
	r.signalMu.Lock()
	r.signalMap[signo] = mask
	r.signalMu.Unlock()
	return nil
}
