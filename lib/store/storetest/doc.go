// Package storetest provides a reusable conformance suite for
// store.IObjectStore implementations. An implementation package calls
// RunObjectStoreTests from its own tests with a factory that builds a
// fresh, empty store of the requested capacity; the suite then checks
// the full lifecycle contract: write-seal-read roundtrips, blocking
// reads, reference counting, capacity pressure and manual eviction.
package storetest
