// Package segment implements the allocator for named shared-memory
// regions backing stored objects. A segment is a file in the platform's
// shared-memory directory (/dev/shm on Linux, the system temp directory
// elsewhere) mapped into the calling process with MAP_SHARED, so every
// process that opens the same name sees the same physical bytes without
// copying.
//
// The package focuses on:
//   - Creating regions of a fixed size (Allocate)
//   - Attaching to existing regions for read or read-write access (Open)
//   - Releasing the OS resource behind a name (Free)
//
// Lifecycle rules:
//
//   - Every handle returned by Allocate or Open holds a live memory
//     mapping and must be released with Close once the caller is done
//     reading or writing. Close only drops this process's mapping.
//
//   - Free unlinks the region's name. Processes that still hold a
//     mapping keep valid access to the bytes until they Close; new Open
//     calls fail with ErrSegmentNotFound. Free is idempotent so that
//     concurrent cleanup paths can race without error.
//
// The allocator knows nothing about object metadata, sealing or
// reference counts; those live in the meta package. It only manages OS
// resources and never blocks.
package segment
