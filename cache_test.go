package reactor

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func acceptAndDup(t *testing.T, ln net.Listener) int {
	t.Helper()
	c, err := ln.Accept()
	require.NoError(t, err)
	tc := c.(*net.TCPConn)
	raw, err := tc.SyscallConn()
	require.NoError(t, err)
	var dup int
	err = raw.Control(func(fd uintptr) {
		dup, _ = unix.Dup(int(fd))
	})
	require.NoError(t, err)
	c.Close()
	return dup
}

// TestCacheFIFO verifies buffers fed to a connected cache are
// delivered to the network in enqueue order.
func TestCacheFIFO(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	defer ln.Close()

	serverDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 9)
		total := 0
		for total < len(buf) {
			n, err := conn.Read(buf[total:])
			total += n
			if err != nil {
				break
			}
		}
		serverDone <- buf[:total]
	}()

	clientFd := dialTCPFd(t, addr)

	r := NewReactor()
	require.NoError(t, r.Open())
	defer r.Close()

	var connected int32
	cache := NewSocketCache(r, nil, nil, nil, func(any) {
		atomic.AddInt32(&connected, 1)
	}, nil)
	require.True(t, cache.Set(clientFd))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			status, err := r.Next(50)
			if err != nil || status == NextStop {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&connected) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cache.Send([]byte("AAA"), nil))
	require.NoError(t, cache.Send([]byte("BBB"), nil))
	require.NoError(t, cache.Send([]byte("CCC"), nil))

	select {
	case got := <-serverDone:
		require.Equal(t, []byte("AAABBBCCC"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the expected bytes in time")
	}
}

// TestCacheReconnect verifies that with retry(true), a forcefully
// closed peer triggers on_done immediately and on_retry once the
// reconnect timer fires.
func TestCacheReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("10s reconnect timer; run with -timeout >15s")
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		// Force an abrupt close (RST) to simulate peer loss.
		tc := c.(*net.TCPConn)
		tc.SetLinger(0)
		c.Close()
	}()

	clientFd := dialTCPFd(t, addr)

	r := NewReactor()
	require.NoError(t, r.Open())
	defer r.Close()

	var retried int32
	cache := NewSocketCache(r, nil, nil, func(any) {
		atomic.AddInt32(&retried, 1)
	}, nil, nil)
	cache.Retry(true)
	require.True(t, cache.Set(clientFd))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			status, err := r.Next(50)
			if err != nil || status == NextStop {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return !cache.Active() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&retried) == 1 }, 12*time.Second, 100*time.Millisecond)
}
