package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTimerPeriodicity verifies a 100ms timer fires roughly 5 times
// over 550ms of Wait.
func TestTimerPeriodicity(t *testing.T) {
	r := NewReactor()
	require.NoError(t, r.Open())
	defer r.Close()

	var ticks int32
	timer := NewTimer(100, nil, func(any) bool {
		atomic.AddInt32(&ticks, 1)
		return true
	}, nil)
	require.True(t, timer.Start(r))

	stop := make(chan struct{})
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
	defer close(stop)

	time.Sleep(550 * time.Millisecond)

	n := atomic.LoadInt32(&ticks)
	require.GreaterOrEqual(t, n, int32(4))
	require.LessOrEqual(t, n, int32(6))
}

// TestTimerStopsOnFalsyTick verifies a falsy on_tick retires the timer
// via DONE and no further ticks are observed.
func TestTimerStopsOnFalsyTick(t *testing.T) {
	r := NewReactor()
	require.NoError(t, r.Open())
	defer r.Close()

	var ticks int32
	timer := NewTimer(50, nil, func(any) bool {
		atomic.AddInt32(&ticks, 1)
		return false
	}, nil)
	require.True(t, timer.Start(r))

	stop := make(chan struct{})
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
	defer close(stop)

	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&ticks))
}
