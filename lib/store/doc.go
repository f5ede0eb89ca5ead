// Package store defines the public contract of the coals object store:
// the IObjectStore interface, the store-wide StoreInfo summary, and the
// unified error reporting used by all implementations.
//
// The package focuses on:
//   - A single interface (IObjectStore) covering the whole object
//     lifecycle: put/create -> seal -> get/release -> evict/shutdown
//   - A structured error system using typed return codes so callers can
//     react to specific failures (capacity pressure, stale ids, seal
//     races, wait timeouts) instead of string matching
//
// Key Components:
//
//   - IObjectStore Interface: the object lifecycle operations together
//     with their blocking and capacity semantics. Implementations share
//     this interface, so applications can swap the engine (or wrap it)
//     without code changes.
//
//   - Error System: every failure is an *Error carrying a RetCode from
//     the taxonomy below. Use HasCode to branch on a specific failure.
//     All errors surface synchronously on the failing call; the store
//     never retries internally and never drops an error, and a failed
//     multi-step operation (put, create) rolls back its capacity
//     reservation and any segment it had already allocated, so a
//     failure in one process cannot corrupt state observed by others.
//
// The shipped implementation lives in the furnace subpackage, built on
// the segment allocator, the process-shared metadata table (meta) and
// the cross-process seal notifier (notify).
package store
