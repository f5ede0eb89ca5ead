// Package meta implements the process-shared metadata table of the
// object store: the mapping from object id to object record (backing
// segment name, size, sealed flag, reference count, creation time) plus
// the store-wide capacity accounting.
//
// The table lives in a single file in the shared-memory directory.
// Every process participating in a store attaches to the same file and
// accesses it exclusively through transactions:
//
//	table.Update(func(tx *meta.Txn) error {
//	    rec, err := tx.Get(id)
//	    ...
//	})
//
// Update transactions take an exclusive flock(2) on the table file, load
// the current state, run the closure, and atomically rewrite the file
// only when the closure returns nil. A non-nil return aborts the
// transaction with no observable effect, which gives multi-step
// operations (reserve capacity, then insert a record) all-or-nothing
// semantics across processes. View transactions take a shared lock and
// run against an immutable snapshot.
//
// Coarse-grained locking over the whole table is a deliberate choice:
// the store targets moderate object counts, not high-frequency metadata
// churn, and a single lock keeps capacity accounting and record
// mutations in one critical section so `used` can never drift from the
// sum of live record sizes.
//
// Each committed write bumps a generation counter in the file header.
// Attached processes cache the last decoded snapshot keyed by that
// generation, so read transactions only pay for decoding when another
// process has actually changed the table.
package meta
