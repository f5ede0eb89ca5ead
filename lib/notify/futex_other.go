//go:build !linux

package notify

import (
	"sync/atomic"
	"time"
)

// pollInterval bounds the wakeup latency of the fallback. 500µs keeps
// seal latency low without measurable CPU cost for a handful of
// waiters.
const pollInterval = 500 * time.Microsecond

// futexWait polls the shared word until it moves or the timeout
// elapses. Same contract as the Linux futex version, minus the kernel
// assist.
func futexWait(addr *uint32, val uint32, timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if atomic.LoadUint32(addr) != val {
			return false, nil
		}
		sleep := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return true, nil
			}
			if remaining < sleep {
				sleep = remaining
			}
		}
		time.Sleep(sleep)
	}
}

// futexWakeAll is a no-op for the polling fallback; waiters notice the
// changed word on their next poll.
func futexWakeAll(_ *uint32) {}
