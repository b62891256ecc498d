//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

// demux is the internal interface hiding the platform demultiplexer:
// two backends (epoll on Linux, kqueue on the BSDs/Darwin) share this
// contract so every layer above it is platform-agnostic.
type demux interface {
	open() error
	close() error

	// arm installs or updates interest for h (ADD semantics if not
	// already known to the backend, MOD semantics otherwise). option
	// is an opaque platform parameter, used by the kqueue timer backend
	// to carry the period in milliseconds; 0 keeps an already-armed
	// timer's period.
	arm(h *Handle, option uint64) error

	// disarm removes h's descriptor from the backend. It does not
	// release h; callers release separately.
	disarm(h *Handle) error

	// wait blocks for up to timeoutMs (negative means indefinite) and
	// returns exactly one event, so exactly one handle is dispatched per
	// call. EINTR is retried internally and never surfaces to the
	// caller.
	wait(timeoutMs int64) (demuxResult, error)

	// newTimerFD allocates whatever identifier a Timer Handle needs on
	// this backend: a real timerfd on Linux, a synthetic kqueue ident
	// on the BSDs/Darwin.
	newTimerFD(periodMs int64) (int, error)
	// drainTimer consumes a timer's native countdown after it fires,
	// where the backend requires it (Linux timerfd's 8-byte counter).
	drainTimer(fd int)
	// closeTimerFD releases whatever newTimerFD allocated.
	closeTimerFD(fd int)
}

type demuxOutcome int

const (
	outcomeTimeout demuxOutcome = iota
	outcomeHandle
)

// demuxResult is the resolved form of one demultiplexer event. Process
// signals never arrive as an event with no associated handle: both
// backends surface them through an ordinary Handle (see signalSource in
// signal.go), since Go's runtime, not user code, owns raw OS signal
// delivery and a native signalfd/EVFILT_SIGNAL registration would race
// it. This design deviation is documented under signal.go in DESIGN.md.
type demuxResult struct {
	outcome   demuxOutcome
	handle    *Handle
	rawEvents uint32
}

// Generic raw event bits, platform-independent, that both demux
// backends translate their native event representation into before
// handing it to OnEventFunc as platformEvents. Only these translated
// bits reach callbacks, not the native ones; they exist so socket.go,
// accept.go and timer.go don't need per-platform branches.
const (
	rawRead uint32 = 1 << iota
	rawWrite
	rawErr
	rawHup
)
