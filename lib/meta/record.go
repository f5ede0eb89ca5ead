package meta

// ObjectRecord is the per-object entry in the metadata table. One record
// exists per live segment; the record and its segment are created and
// destroyed together.
type ObjectRecord struct {
	// ID is the store-assigned object identifier. Immutable, never reused.
	ID string
	// SegmentName names the backing shared-memory region (one-to-one
	// with ID).
	SegmentName string
	// Size is the payload length in bytes, fixed at creation.
	Size uint64
	// Sealed transitions false to true exactly once and never reverts.
	// Only unsealed objects may be written.
	Sealed bool
	// RefCount counts outstanding logical holders. Creation hands the
	// creator one reference; each successful get adds one, each release
	// removes one.
	RefCount uint32
	// CreatedAt is a unix-nanosecond timestamp set once at creation,
	// used as the eviction ranking (oldest first).
	CreatedAt int64
}

// Evictable reports whether the record may be reclaimed: the object is
// complete and nobody holds a reference to it.
func (r ObjectRecord) Evictable() bool {
	return r.Sealed && r.RefCount == 0
}
