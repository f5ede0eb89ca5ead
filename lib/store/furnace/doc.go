// Package furnace implements the shipped object store engine on top of
// three shared resources: the segment allocator for payload bytes, the
// process-shared metadata table for object records and capacity
// accounting, and the seal notifier for waking blocked readers.
//
// The package focuses on:
//   - A single-writer object lifecycle: a payload is written exactly
//     once (put, or create followed by seal) and is immutable afterwards
//   - Zero-copy reads: get maps the sealed segment read-only, so every
//     process shares one physical copy of the payload
//   - Strict capacity accounting with manual eviction: reservations
//     never exceed the configured ceiling, and space is reclaimed only
//     on demand, oldest unreferenced sealed objects first
//
// Key Components:
//
//   - Store: the engine. All state lives in the shared resources, so
//     any number of processes can construct a Store with the same
//     prefix and operate on the same objects.
//
//   - Config: construction parameters. The first process to use a
//     prefix fixes the capacity; later processes attach and adopt the
//     stored value.
//
// Failure atomicity: every multi-step operation mutates the metadata
// table in one transaction and defers segment removal until after the
// commit. An aborted operation therefore leaves no record pointing at a
// vanished segment and no orphaned reservation.
package furnace
