package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Types and Errors
// --------------------------------------------------------------------------

// Mode controls how Open maps an existing segment.
type Mode int

const (
	// ModeRead maps the segment read-only. Writing through the returned
	// view faults the process.
	ModeRead Mode = iota
	// ModeReadWrite maps the segment for reading and writing.
	ModeReadWrite
)

// ErrSegmentNotFound is returned by Open when the requested name is not
// known to the OS (never allocated, or already freed).
var ErrSegmentNotFound = errors.New("segment not found")

// Segment is a handle on a mapped shared-memory region. The zero value
// is not usable; handles are created by Allocate and Open.
type Segment struct {
	name string
	size uint64
	data []byte
}

// Name returns the OS-level name of the region. The name identifies the
// same bytes across all processes on this host.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the fixed byte length of the region.
func (s *Segment) Size() uint64 {
	return s.size
}

// Bytes returns the mapped view of the region. The slice aliases shared
// memory directly; it becomes invalid after Close.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Close drops this process's mapping of the region. It does not unlink
// the name (see Free). Close is idempotent.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	data := s.data
	s.data = nil
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unmap segment %q: %w", s.name, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Allocator Operations
// --------------------------------------------------------------------------

// Path returns the backing file path for a segment name. Exposed so the
// store can keep its shared metadata files alongside its segments.
func Path(name string) string {
	return filepath.Join(Dir(), name)
}

// Allocate reserves a new region of exactly size bytes under the given
// name and maps it read-write. The region starts zero-filled. It fails
// if the name already exists or the OS cannot satisfy the request.
func Allocate(name string, size uint64) (*Segment, error) {
	f, err := os.OpenFile(Path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("allocate segment %q: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(Path(name))
		return nil, fmt.Errorf("size segment %q to %d bytes: %w", name, size, err)
	}

	data, err := mapFile(f, size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		_ = os.Remove(Path(name))
		return nil, fmt.Errorf("map segment %q: %w", name, err)
	}

	return &Segment{name: name, size: size, data: data}, nil
}

// Open attaches to an existing region. The segment's size is taken from
// the OS, not from the caller.
func Open(name string, mode Mode) (*Segment, error) {
	flags := os.O_RDONLY
	prot := unix.PROT_READ
	if mode == ModeReadWrite {
		flags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile(Path(name), flags, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open segment %q: %w", name, ErrSegmentNotFound)
		}
		return nil, fmt.Errorf("open segment %q: %w", name, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment %q: %w", name, err)
	}
	size := uint64(stat.Size())

	data, err := mapFile(f, size, prot)
	if err != nil {
		return nil, fmt.Errorf("map segment %q: %w", name, err)
	}

	return &Segment{name: name, size: size, data: data}, nil
}

// Free releases the OS resource behind a name. Freeing an unknown or
// already-freed name is a no-op, so cleanup paths may race safely.
// Mappings held by other processes stay valid until they Close.
func Free(name string) error {
	if err := os.Remove(Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("free segment %q: %w", name, err)
	}
	return nil
}

// mapFile maps the file shared. Zero-length regions get an empty,
// unmapped view since mmap rejects length 0.
func mapFile(f *os.File, size uint64, prot int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
}
