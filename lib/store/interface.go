package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/jainsau/coals/lib/meta"
	"github.com/jainsau/coals/lib/segment"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IObjectStore is the public contract of the shared-memory object
// store. One process writes an object once and seals it; any number of
// processes then map the same bytes read-only without copying.
//
// Per-object state machine: WRITING -> SEALED -> (REMOVED). Only
// WRITING objects accept payload writes; REMOVED is terminal and ids
// are never reused.
//
// Handle ownership: the caller must Close every segment handle it
// receives from Create or Get once done with the bytes. Closing a
// handle is independent of Release, which only drops the logical
// reference that protects the object from eviction.
type IObjectStore interface {
	// Put stores payload as a new object: reserves capacity (evicting
	// unreferenced sealed objects if needed), copies the bytes in and
	// seals immediately. Fails with RetCObjectTooLarge when the payload
	// exceeds total capacity, and with RetCCapacityExceeded when
	// eviction cannot make room because the remaining objects are
	// pinned (unsealed or referenced).
	Put(payload []byte) (id string, err error)

	// Create is the lower half of the split write API: it reserves
	// capacity and returns a writable handle for incremental writes.
	// The object stays in WRITING until Seal.
	Create(size uint64) (id string, w *segment.Segment, err error)

	// Seal marks the object complete and immutable and wakes every
	// process blocked in Get on this id. Fails with RetCAlreadySealed
	// on a second call and RetCObjectNotFound for unknown ids.
	Seal(id string) error

	// Get blocks until the object is sealed (bounded by timeout;
	// timeout <= 0 waits indefinitely), takes a reference, and returns
	// a read-only zero-copy handle plus the payload size. Fails with
	// RetCTimedOut when the object exists but stays unsealed, and
	// RetCObjectNotFound when the id never appears within the timeout.
	// A failed Get leaves the object's refcount untouched.
	Get(id string, timeout time.Duration) (r *segment.Segment, size uint64, err error)

	// Release drops one reference taken by Get or by creation. Fails
	// with RetCRefcountUnderflow when called more times than matching
	// Get/creation justify.
	Release(id string) error

	// Contains reports whether id currently names a live object.
	Contains(id string) (bool, error)

	// Info returns a copy of the object's metadata record.
	Info(id string) (meta.ObjectRecord, error)

	// List returns every live record, oldest first.
	List() ([]meta.ObjectRecord, error)

	// Evict reclaims every sealed, unreferenced object (oldest first)
	// and returns the bytes actually freed. Purely manual: the store
	// never evicts on a background schedule.
	Evict() (freed uint64, err error)

	// GetStoreInfo returns store-wide capacity accounting and
	// statistics.
	GetStoreInfo() (StoreInfo, error)

	// Shutdown frees every remaining segment regardless of seal state
	// or refcount and tears down the shared metadata and notification
	// resources. Best-effort: already-removed segments are skipped
	// silently. The instance is unusable afterwards.
	Shutdown() error
}

// StoreInfo describes the store-wide state. Metadata carries
// implementation-specific statistics; it is not guaranteed to be
// filled in.
type StoreInfo struct {
	CapacityBytes uint64      `json:"capacity_bytes"`
	UsedBytes     uint64      `json:"used_bytes"`
	NumObjects    int         `json:"num_objects"`
	NumSealed     int         `json:"num_sealed"`
	Metadata      interface{} `json:"metadata"`
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type
// RetCode) and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ObjectStoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// HasCode reports whether err is (or wraps) a store Error carrying the
// given code.
func HasCode(err error, code RetCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess           RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                    // 1: Operation failed due to an internal error.
	RetCAllocation                       // 2: The OS refused to create a new segment.
	RetCObjectNotFound                   // 3: Id unknown or already removed.
	RetCAlreadySealed                    // 4: Seal called on a sealed object.
	RetCObjectTooLarge                   // 5: Payload exceeds total store capacity.
	RetCCapacityExceeded                 // 6: Eviction cannot free enough space.
	RetCTimedOut                         // 7: Wait for seal exceeded the timeout.
	RetCRefcountUnderflow                // 8: Unbalanced release.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCAllocation:
		return "AllocationError"
	case RetCObjectNotFound:
		return "ObjectNotFound"
	case RetCAlreadySealed:
		return "AlreadySealed"
	case RetCObjectTooLarge:
		return "ObjectTooLarge"
	case RetCCapacityExceeded:
		return "CapacityExceeded"
	case RetCTimedOut:
		return "TimedOut"
	case RetCRefcountUnderflow:
		return "RefcountUnderflow"
	default:
		return "Unknown"
	}
}
