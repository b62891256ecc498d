//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import "sync"

const cacheRetryPeriodMs = 10000

// OnCacheRecvFunc forwards a chunk read off the cache's current
// socket.
type OnCacheRecvFunc func(userPtr any, buf []byte)

// OnRetryFunc fires once per reconnect timer tick.
type OnRetryFunc func(userPtr any)

// OnCacheConnectFunc fires exactly once, the moment the cache's
// current socket transitions from connecting to connected.
type OnCacheConnectFunc func(userPtr any)

type cacheState int

const (
	cacheDisconnected cacheState = iota
	cacheConnecting
	cacheConnected
)

type pendingBuf struct {
	buf     []byte
	payload any
}

// SocketCache is a queueing, auto-reconnecting wrapper over a Socket:
// the first on_sent on a freshly set socket is the connect-completion
// signal, and a lost connection gets a brand-new one-shot retry Timer
// rather than a reused one.
type SocketCache struct {
	reactor *Reactor
	userPtr any
	onRecv  OnCacheRecvFunc
	onRetry OnRetryFunc
	connect OnCacheConnectFunc
	logger  Logger

	mu            sync.Mutex
	state         cacheState
	sock          *Socket
	pending       []pendingBuf
	autoReconnect bool
	retryTimer    *Timer
}

// NewSocketCache constructs a cache bound to r. It holds no socket
// until Set is called.
func NewSocketCache(r *Reactor, userPtr any, onRecv OnCacheRecvFunc, onRetry OnRetryFunc, onConnect OnCacheConnectFunc, logger Logger) *SocketCache {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &SocketCache{
		reactor: r,
		userPtr: userPtr,
		onRecv:  onRecv,
		onRetry: onRetry,
		connect: onConnect,
		logger:  logger,
		state:   cacheDisconnected,
	}
}

// Retry sets the auto-reconnect flag.
func (c *SocketCache) Retry(auto bool) {
	c.mu.Lock()
	c.autoReconnect = auto
	c.mu.Unlock()
}

// Set atomically replaces any prior connection (silencing its
// callbacks so its destruction is silent) with a new Socket Handle
// wrapping fd, registers it for read interest, and primes writability
// so a failed connect surfaces promptly via SO_ERROR.
func (c *SocketCache) Set(fd int) bool {
	c.mu.Lock()
	prior := c.sock
	c.sock = nil
	c.pending = nil
	c.state = cacheConnecting
	c.mu.Unlock()

	if prior != nil {
		silenceSocket(prior)
		prior.Close()
	}

	sock, err := NewSocket(fd, c, func(buf []byte) {
		if c.onRecv != nil {
			c.onRecv(c.userPtr, buf)
		}
	}, c.handleSent, c.handleDone, c.logger)
	if err != nil {
		c.logger.Error("reactor: cache set failed", "err", err)
		return false
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	if !sock.Start(c.reactor) {
		return false
	}
	sock.MarkWrite()
	return true
}

// Send takes ownership of buf. If connected, it is pushed to the
// queue tail; if nothing else is in flight it is pumped immediately.
// If not connected, it is dropped and an error is returned.
func (c *SocketCache) Send(buf []byte, payload any) error {
	c.mu.Lock()
	if c.state != cacheConnected {
		c.mu.Unlock()
		return ErrNoObject
	}
	c.pending = append(c.pending, pendingBuf{buf: buf, payload: payload})
	c.mu.Unlock()

	c.pumpNext()
	return nil
}

// Clr closes the current connection (if any) and drains the queue.
func (c *SocketCache) Clr() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.pending = nil
	c.state = cacheDisconnected
	c.mu.Unlock()

	if sock != nil {
		silenceSocket(sock)
		sock.Close()
	}
}

// Active reports whether the cache currently believes it is
// connected.
func (c *SocketCache) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == cacheConnected
}

func silenceSocket(s *Socket) {
	s.mu.Lock()
	s.onRecv = nil
	s.onSent = nil
	s.onDone = nil
	s.mu.Unlock()
}

// pumpNext sends the head of the pending queue if the socket has no
// outstanding buffer. Best-effort: a send racing a concurrent Clr/Set
// simply finds no socket and returns, matching the cooperative,
// single-loop-thread model the reactor is built around.
func (c *SocketCache) pumpNext() {
	c.mu.Lock()
	sock := c.sock
	if sock == nil || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sock.mu.Lock()
	busy := sock.send != nil
	sock.mu.Unlock()
	if busy {
		return
	}

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	sock.Send(next.buf, next.payload)
}

// handleSent implements the connecting->connected transition: the
// first on_sent observed on a freshly set socket fires on_connect
// exactly once, before any queued buffer is popped.
func (c *SocketCache) handleSent(payload any) {
	c.mu.Lock()
	wasConnecting := c.state == cacheConnecting
	if wasConnecting {
		c.state = cacheConnected
	}
	c.mu.Unlock()

	if wasConnecting && c.connect != nil {
		c.connect(c.userPtr)
	}

	c.pumpNext()
}

// handleDone implements the disconnect path: drop the pending queue,
// and if auto-reconnect is set, schedule a fresh 10-second one-shot
// retry timer.
func (c *SocketCache) handleDone(_ any) {
	c.mu.Lock()
	c.pending = nil
	c.sock = nil
	c.state = cacheDisconnected
	auto := c.autoReconnect
	c.mu.Unlock()

	if auto {
		c.scheduleRetry()
	}
}

func (c *SocketCache) scheduleRetry() {
	t := NewTimer(cacheRetryPeriodMs, c, cacheOnRetryTick, c.logger)
	c.mu.Lock()
	c.retryTimer = t
	r := c.reactor
	c.mu.Unlock()
	if r != nil {
		t.Start(r)
	}
}

// cacheOnRetryTick fires on_retry once and retires the timer, layering
// a one-shot-per-fire contract on top of the underlying periodic timer.
func cacheOnRetryTick(userPtr any) bool {
	c := userPtr.(*SocketCache)
	if c.onRetry != nil {
		c.onRetry(c.userPtr)
	}
	return false
}
