package notify

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Control region layout
const (
	ctlMagic = "COALSNT\x00" // region format identifier
	ctlSize  = 4096          // one page

	genOffset = 12 // after magic (8) and version (4); 4-byte aligned
)

const ctlVersion uint32 = 1

// ErrWaitTimeout is returned by Wait when the caller-supplied timeout
// elapses before the generation moves.
var ErrWaitTimeout = errors.New("seal wait timed out")

// Notifier is a handle on the shared notification region of one store
// instance. All participating processes open the same path.
type Notifier struct {
	path string
	mem  []byte
}

// Open attaches to the control region at path, creating and
// initializing it when absent. Concurrent creators race benignly: both
// write the same constant header.
func Open(path string) (*Notifier, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open notify region %q: %w", path, err)
	}
	defer f.Close()

	// idempotent, keeps the region exactly one page
	if err := f.Truncate(ctlSize); err != nil {
		return nil, fmt.Errorf("size notify region %q: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, ctlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map notify region %q: %w", path, err)
	}

	n := &Notifier{path: path, mem: mem}
	if err := n.initHeader(); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return n, nil
}

func (n *Notifier) initHeader() error {
	magic := n.mem[:len(ctlMagic)]
	if bytes.Equal(magic, make([]byte, len(ctlMagic))) {
		copy(magic, ctlMagic)
		atomic.StoreUint32(n.versionPtr(), ctlVersion)
		return nil
	}
	if !bytes.Equal(magic, []byte(ctlMagic)) {
		return fmt.Errorf("notify region %q: magic number mismatch", n.path)
	}
	return nil
}

func (n *Notifier) versionPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&n.mem[len(ctlMagic)]))
}

func (n *Notifier) genPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&n.mem[genOffset]))
}

// Generation returns the current value of the shared condition word.
// Read it BEFORE checking the predicate the caller is about to wait on.
func (n *Notifier) Generation() uint32 {
	return atomic.LoadUint32(n.genPtr())
}

// Broadcast bumps the generation and wakes every waiter in every
// process. Called by seal immediately after the sealed flag is
// committed.
func (n *Notifier) Broadcast() {
	atomic.AddUint32(n.genPtr(), 1)
	futexWakeAll(n.genPtr())
}

// Wait blocks until the generation differs from gen or the timeout
// elapses. A timeout <= 0 waits indefinitely. Returns ErrWaitTimeout on
// expiry; a nil return only means the generation moved, the caller must
// re-check its predicate.
func (n *Notifier) Wait(gen uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if atomic.LoadUint32(n.genPtr()) != gen {
			return nil
		}

		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return ErrWaitTimeout
			}
		}

		timedOut, err := futexWait(n.genPtr(), gen, remaining)
		if err != nil {
			return fmt.Errorf("wait on notify region %q: %w", n.path, err)
		}
		if timedOut && atomic.LoadUint32(n.genPtr()) == gen {
			return ErrWaitTimeout
		}
	}
}

// Close drops this process's mapping. Idempotent.
func (n *Notifier) Close() error {
	if n.mem == nil {
		return nil
	}
	mem := n.mem
	n.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("unmap notify region %q: %w", n.path, err)
	}
	return nil
}

// Destroy unmaps and removes the shared region. Idempotent; waiters in
// other processes keep their mapping until they Close.
func (n *Notifier) Destroy() error {
	if err := n.Close(); err != nil {
		return err
	}
	if err := os.Remove(n.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("destroy notify region %q: %w", n.path, err)
	}
	return nil
}
