//go:build linux

package notify

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// futexWait blocks while *addr == val, up to timeout (<= 0 waits
// forever). Uses the shared (non-private) futex form so waiters and
// wakers may live in different processes. Returns timedOut=true on
// ETIMEDOUT; EAGAIN (word already changed) and EINTR surface as a plain
// return so the caller re-checks.
func futexWait(addr *uint32, val uint32, timeout time.Duration) (bool, error) {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return false, nil
	case unix.ETIMEDOUT:
		return true, nil
	default:
		return false, errno
	}
}

// futexWakeAll wakes every process waiting on addr.
func futexWakeAll(addr *uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(^uint32(0)>>1), // INT_MAX waiters
		0, 0, 0,
	)
}
