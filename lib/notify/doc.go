// Package notify implements the cross-process seal notification for a
// store instance. Readers that ask for an object before its writer has
// sealed it must block without burning CPU until the seal happens; this
// package provides that blocking primitive.
//
// Instead of one condition per object id, a store carries a single
// shared condition word: a 32-bit generation counter in a small mapped
// control region. Every seal bumps the counter and wakes all waiters
// (broadcast, never single-wake, since several readers may wait for the
// same object). A waiter reads the generation, re-checks its predicate
// against the metadata table, and only then waits for the generation to
// move — so a seal landing between check and wait changes the word
// first and the wait returns immediately. There is no window for a
// missed wakeup, and spurious wakes just cause another predicate check.
//
// On Linux the wait is a FUTEX_WAIT on the shared word (the non-private
// futex form, which works across processes on a MAP_SHARED page). Other
// platforms fall back to bounded polling of the same word.
package notify
