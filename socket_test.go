package reactor

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// runReactorUntil pumps Next in a background goroutine until stop is
// closed, the reactor reports NextStop, or Next returns an error.
func runReactorUntil(t *testing.T, r *Reactor, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			status, err := r.Next(50)
			if err != nil {
				return
			}
			if status == NextStop {
				return
			}
		}
	}()
}

func dialTCPFd(t *testing.T, addr string) int {
	t.Helper()
	conn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tc := conn.(*net.TCPConn)
	raw, err := tc.SyscallConn()
	require.NoError(t, err)
	var dup int
	err = raw.Control(func(fd uintptr) {
		dup, _ = unix.Dup(int(fd))
	})
	require.NoError(t, err)
	return dup
}

// TestEchoServer verifies an Accept Handle handing a freshly connected
// fd to a Socket whose on_recv echoes bytes straight back.
func TestEchoServer(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	tcpLn := ln.(*net.TCPListener)
	lf, err := tcpLn.File()
	require.NoError(t, err)
	lfd, err := unix.Dup(int(lf.Fd()))
	require.NoError(t, err)
	lf.Close()
	ln.Close()

	r := NewReactor()
	require.NoError(t, r.Open())
	defer r.Close()

	var sock *Socket
	acc, err := NewAccept(lfd, nil, func(userPtr any, fd int, peer string) {
		s, err := NewSocket(fd, nil, func(buf []byte) {
			s2 := sock
			cp := append([]byte(nil), buf...)
			s2.Send(cp, nil)
		}, nil, nil, nil)
		require.NoError(t, err)
		sock = s
		require.True(t, s.Start(r))
	}, nil, nil)
	require.NoError(t, err)
	require.True(t, acc.Start(r))

	stop := make(chan struct{})
	defer close(stop)
	runReactorUntil(t, r, stop)

	conn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("hello world!\n")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestSendBackpressure verifies a send larger than the socket buffer
// leaves WRITE armed and does not fire on_sent until the peer actually
// reads.
func TestSendBackpressure(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	r := NewReactor()
	require.NoError(t, r.Open())
	defer r.Close()

	accepted := make(chan int, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		tc := c.(*net.TCPConn)
		raw, _ := tc.SyscallConn()
		var dup int
		raw.Control(func(fd uintptr) {
			dup, _ = unix.Dup(int(fd))
		})
		accepted <- dup
		c.Close()
	}()

	clientFd := dialTCPFd(t, addr)
	t.Cleanup(func() { unix.Close(clientFd) })

	serverFd := <-accepted
	ln.Close()

	var sentFired int32
	sock, err := NewSocket(serverFd, nil, nil, func(any) {
		atomic.AddInt32(&sentFired, 1)
	}, nil, nil)
	require.NoError(t, err)
	require.True(t, sock.Start(r))

	stop := make(chan struct{})
	defer close(stop)
	runReactorUntil(t, r, stop)

	big := make([]byte, 1<<20)
	sock.Send(big, nil)

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&sentFired), "on_sent must not fire until the peer drains the buffer")
}

// TestDoubleSendGuard verifies a second Send while one is outstanding
// is dropped, leaving the first buffer's payload intact.
func TestDoubleSendGuard(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	clientConn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	defer clientConn.Close()

	peer := <-accepted
	defer peer.Close()

	tc := clientConn.(*net.TCPConn)
	raw, err := tc.SyscallConn()
	require.NoError(t, err)
	var dup int
	raw.Control(func(fd uintptr) {
		dup, _ = unix.Dup(int(fd))
	})

	r := NewReactor()
	require.NoError(t, r.Open())
	defer r.Close()

	var mu sync.Mutex
	var sentPayloads []string

	sock, err := NewSocket(dup, nil, nil, func(payload any) {
		mu.Lock()
		sentPayloads = append(sentPayloads, payload.(string))
		mu.Unlock()
	}, nil, nil)
	require.NoError(t, err)
	require.True(t, sock.Start(r))

	stop := make(chan struct{})
	defer close(stop)
	runReactorUntil(t, r, stop)

	sock.Send([]byte{1, 2, 3}, "A")
	sock.Send([]byte{4, 5, 6}, "B")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sentPayloads) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "A", sentPayloads[0])
	require.NotContains(t, sentPayloads, "B")
}
