package furnace

import (
	"errors"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/jainsau/coals/lib/meta"
	"github.com/jainsau/coals/lib/notify"
	"github.com/jainsau/coals/lib/segment"
	"github.com/jainsau/coals/lib/store"
	"github.com/jainsau/coals/lib/store/util"
)

// DefaultPrefix names the store's shared resources when Config.Prefix
// is empty. Processes find each other by prefix alone.
const DefaultPrefix = "coals"

// wait-loop control errors, used to abort the lookup transaction
// without committing. They never escape Get.
var (
	errNotFoundYet  = errors.New("object not yet present")
	errNotSealedYet = errors.New("object not yet sealed")
)

// Config carries the construction parameters of a Store.
type Config struct {
	// Capacity is the byte ceiling for the sum of all object sizes.
	// Required (non-zero) for the process that creates the store;
	// ignored when attaching to an existing prefix, where the stored
	// capacity is adopted instead.
	Capacity uint64

	// Prefix names the shared resources (metadata table, notification
	// region, segments) of this store instance. Defaults to
	// DefaultPrefix.
	Prefix string
}

// Store is the shared-memory object store engine. All durable state
// lives in OS-shared resources, so independently constructed Store
// values with the same prefix operate on the same objects, whether they
// share a process or not.
//
// Thread-safety: safe for concurrent use across goroutines and
// processes.
type Store struct {
	prefix   string
	capacity uint64

	table    *meta.Table
	notifier *notify.Notifier

	log   logger.ILogger
	sizes *util.SizeHistogram

	puts         *metrics.Counter
	gets         *metrics.Counter
	seals        *metrics.Counter
	getTimeouts  *metrics.Counter
	evictedBytes *metrics.Counter
}

var _ store.IObjectStore = (*Store)(nil)

// New constructs a Store for the given prefix, creating the shared
// metadata table and notification region when this is the first process
// to use the prefix, and attaching to them otherwise.
func New(cfg Config) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	table, err := meta.Open(segment.Path(cfg.Prefix+".meta"), cfg.Capacity)
	if err != nil {
		return nil, store.NewErrorf(store.RetCInternalError, "open store %q: %v", cfg.Prefix, err)
	}
	notifier, err := notify.Open(segment.Path(cfg.Prefix + ".ctl"))
	if err != nil {
		_ = table.Destroy()
		return nil, store.NewErrorf(store.RetCInternalError, "open store %q: %v", cfg.Prefix, err)
	}
	capacity, err := table.Capacity()
	if err != nil {
		_ = notifier.Close()
		return nil, store.NewErrorf(store.RetCInternalError, "open store %q: %v", cfg.Prefix, err)
	}

	s := &Store{
		prefix:   cfg.Prefix,
		capacity: capacity,
		table:    table,
		notifier: notifier,
		log:      logger.GetLogger("store"),
		sizes:    util.NewSizeHistogram(),

		puts:         metrics.GetOrCreateCounter(fmt.Sprintf(`coals_puts_total{store=%q}`, cfg.Prefix)),
		gets:         metrics.GetOrCreateCounter(fmt.Sprintf(`coals_gets_total{store=%q}`, cfg.Prefix)),
		seals:        metrics.GetOrCreateCounter(fmt.Sprintf(`coals_seals_total{store=%q}`, cfg.Prefix)),
		getTimeouts:  metrics.GetOrCreateCounter(fmt.Sprintf(`coals_get_timeouts_total{store=%q}`, cfg.Prefix)),
		evictedBytes: metrics.GetOrCreateCounter(fmt.Sprintf(`coals_evicted_bytes_total{store=%q}`, cfg.Prefix)),
	}
	s.log.Infof("store %q ready, capacity %d bytes", s.prefix, s.capacity)
	return s, nil
}

// --------------------------------------------------------------------------
// Write Path
// --------------------------------------------------------------------------

// Put stores payload as a new, immediately sealed object.
func (s *Store) Put(payload []byte) (string, error) {
	id, seg, err := s.Create(uint64(len(payload)))
	if err != nil {
		return "", err
	}
	copy(seg.Bytes(), payload)
	if err := seg.Close(); err != nil {
		return "", mapError(err)
	}
	if err := s.Seal(id); err != nil {
		return "", err
	}
	s.puts.Inc()
	return id, nil
}

// Create reserves capacity for a new object and returns a writable
// handle on its zero-filled segment. When the reservation does not fit,
// sealed unreferenced objects are evicted oldest first until it does;
// if even that cannot make room the call fails with
// RetCCapacityExceeded and nothing is evicted or allocated.
func (s *Store) Create(size uint64) (string, *segment.Segment, error) {
	if size > s.capacity {
		return "", nil, store.NewErrorf(store.RetCObjectTooLarge,
			"object of %d bytes exceeds store capacity of %d bytes", size, s.capacity)
	}

	id := uuid.New().String()
	name := s.segmentName(id)

	// Allocate before touching the table so a failing OS allocation
	// costs nothing. The name is unique, so this cannot collide.
	seg, err := segment.Allocate(name, size)
	if err != nil {
		return "", nil, store.NewErrorf(store.RetCAllocation, "allocate %d bytes: %v", size, err)
	}

	var freeNames []string
	var freedBytes uint64
	err = s.table.Update(func(tx *meta.Txn) error {
		freeNames = freeNames[:0]
		freedBytes = 0

		// Evict just enough headroom, oldest first. Pinned records
		// (unsealed or referenced) are skipped.
		if tx.Used()+size > tx.Capacity() {
			for _, rec := range tx.All() {
				if tx.Used()+size <= tx.Capacity() {
					break
				}
				if !rec.Evictable() {
					continue
				}
				if err := tx.Remove(rec.ID); err != nil {
					return err
				}
				tx.Credit(rec.Size)
				freedBytes += rec.Size
				freeNames = append(freeNames, rec.SegmentName)
			}
		}

		if !tx.Reserve(size) {
			return store.NewErrorf(store.RetCCapacityExceeded,
				"need %d bytes but %d of %d are held by pinned objects", size, tx.Used(), tx.Capacity())
		}
		return tx.Insert(meta.ObjectRecord{
			ID:          id,
			SegmentName: name,
			Size:        size,
			RefCount:    1, // the creator's reference
			CreatedAt:   time.Now().UnixNano(),
		})
	})
	if err != nil {
		_ = seg.Close()
		_ = segment.Free(name)
		return "", nil, mapError(err)
	}

	// Segment removal is deferred until after the commit, so an aborted
	// transaction never loses payload bytes.
	for _, n := range freeNames {
		_ = segment.Free(n)
	}
	if freedBytes > 0 {
		s.evictedBytes.Add(int(freedBytes))
		s.log.Debugf("store %q: evicted %d objects (%d bytes) to fit %d bytes",
			s.prefix, len(freeNames), freedBytes, size)
	}

	s.sizes.AddSample(int(size))
	return id, seg, nil
}

// Seal marks the object immutable and wakes every blocked reader.
func (s *Store) Seal(id string) error {
	err := s.table.Update(func(tx *meta.Txn) error {
		return tx.Update(id, func(rec *meta.ObjectRecord) error {
			if rec.Sealed {
				return store.NewErrorf(store.RetCAlreadySealed, "object %s is already sealed", id)
			}
			rec.Sealed = true
			return nil
		})
	})
	if err != nil {
		return mapError(err)
	}
	s.notifier.Broadcast()
	s.seals.Inc()
	return nil
}

// --------------------------------------------------------------------------
// Read Path
// --------------------------------------------------------------------------

// Get blocks until id names a sealed object, takes a reference and
// returns a read-only handle plus the payload size. A timeout <= 0
// waits indefinitely.
func (s *Store) Get(id string, timeout time.Duration) (*segment.Segment, uint64, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		// Read the generation BEFORE checking the table. A seal that
		// commits between the check and the wait bumps the generation,
		// so the wait below returns immediately instead of sleeping
		// through the broadcast.
		gen := s.notifier.Generation()

		var rec meta.ObjectRecord
		found := false
		err := s.table.Update(func(tx *meta.Txn) error {
			r, err := tx.Get(id)
			if err != nil {
				return errNotFoundYet
			}
			found = true
			if !r.Sealed {
				return errNotSealedYet
			}
			return tx.Update(id, func(r *meta.ObjectRecord) error {
				r.RefCount++
				rec = *r
				return nil
			})
		})

		switch {
		case err == nil:
			seg, err := segment.Open(rec.SegmentName, segment.ModeRead)
			if err != nil {
				// The segment vanished under us (external cleanup).
				// Undo the reference we just took.
				_ = s.table.Update(func(tx *meta.Txn) error {
					return tx.Update(id, func(r *meta.ObjectRecord) error {
						if r.RefCount > 0 {
							r.RefCount--
						}
						return nil
					})
				})
				return nil, 0, store.NewErrorf(store.RetCObjectNotFound, "object %s: %v", id, err)
			}
			s.gets.Inc()
			return seg, rec.Size, nil
		case errors.Is(err, errNotFoundYet), errors.Is(err, errNotSealedYet):
			// fall through to the wait
		default:
			return nil, 0, mapError(err)
		}

		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, 0, s.getExpired(id, found)
			}
		}
		if err := s.notifier.Wait(gen, remaining); err != nil {
			if errors.Is(err, notify.ErrWaitTimeout) {
				return nil, 0, s.getExpired(id, found)
			}
			return nil, 0, mapError(err)
		}
	}
}

// getExpired maps an expired wait to the right error: the id was seen
// but never sealed versus never seen at all.
func (s *Store) getExpired(id string, found bool) error {
	s.getTimeouts.Inc()
	if found {
		return store.NewErrorf(store.RetCTimedOut, "object %s was not sealed in time", id)
	}
	return store.NewErrorf(store.RetCObjectNotFound, "object %s did not appear in time", id)
}

// Release drops one reference from the object.
func (s *Store) Release(id string) error {
	return mapError(s.table.Update(func(tx *meta.Txn) error {
		return tx.Update(id, func(rec *meta.ObjectRecord) error {
			if rec.RefCount == 0 {
				return store.NewErrorf(store.RetCRefcountUnderflow,
					"object %s has no outstanding references", id)
			}
			rec.RefCount--
			return nil
		})
	}))
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// Contains reports whether id currently names a live object.
func (s *Store) Contains(id string) (bool, error) {
	exists := false
	err := s.table.View(func(tx *meta.Txn) error {
		_, err := tx.Get(id)
		if errors.Is(err, meta.ErrObjectNotFound) {
			return nil
		}
		exists = err == nil
		return err
	})
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

// Info returns a copy of the object's metadata record.
func (s *Store) Info(id string) (meta.ObjectRecord, error) {
	var rec meta.ObjectRecord
	err := s.table.View(func(tx *meta.Txn) error {
		r, err := tx.Get(id)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return meta.ObjectRecord{}, mapError(err)
	}
	return rec, nil
}

// List returns every live record, oldest first.
func (s *Store) List() ([]meta.ObjectRecord, error) {
	var recs []meta.ObjectRecord
	err := s.table.View(func(tx *meta.Txn) error {
		recs = tx.All()
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return recs, nil
}

// GetStoreInfo returns store-wide capacity accounting. Metadata carries
// payload size statistics sampled by this process.
func (s *Store) GetStoreInfo() (store.StoreInfo, error) {
	var info store.StoreInfo
	err := s.table.View(func(tx *meta.Txn) error {
		info.CapacityBytes = tx.Capacity()
		info.UsedBytes = tx.Used()
		for _, rec := range tx.All() {
			info.NumObjects++
			if rec.Sealed {
				info.NumSealed++
			}
		}
		return nil
	})
	if err != nil {
		return store.StoreInfo{}, mapError(err)
	}
	if s.sizes.GetCount() > 0 {
		info.Metadata = map[string]interface{}{
			"payload_samples":      s.sizes.GetCount(),
			"avg_payload_bytes":    s.sizes.AverageSize(),
			"median_payload_bytes": s.sizes.MedianEstimate(),
		}
	}
	return info, nil
}

// --------------------------------------------------------------------------
// Reclamation
// --------------------------------------------------------------------------

// Evict reclaims every sealed unreferenced object, oldest first, and
// returns the bytes freed.
func (s *Store) Evict() (uint64, error) {
	var freed uint64
	var freeNames []string
	err := s.table.Update(func(tx *meta.Txn) error {
		freed = 0
		freeNames = freeNames[:0]
		for _, rec := range tx.All() {
			if !rec.Evictable() {
				continue
			}
			if err := tx.Remove(rec.ID); err != nil {
				return err
			}
			tx.Credit(rec.Size)
			freed += rec.Size
			freeNames = append(freeNames, rec.SegmentName)
		}
		return nil
	})
	if err != nil {
		return 0, mapError(err)
	}
	for _, n := range freeNames {
		_ = segment.Free(n)
	}
	if freed > 0 {
		s.evictedBytes.Add(int(freed))
		s.log.Debugf("store %q: evicted %d objects, freed %d bytes", s.prefix, len(freeNames), freed)
	}
	return freed, nil
}

// Shutdown frees every remaining segment regardless of seal state or
// refcount and removes the shared metadata and notification resources.
// Best-effort: a concurrent shutdown by another process is tolerated.
func (s *Store) Shutdown() error {
	var freeNames []string
	if err := s.table.Update(func(tx *meta.Txn) error {
		freeNames = freeNames[:0]
		for _, rec := range tx.All() {
			if err := tx.Remove(rec.ID); err != nil {
				return err
			}
			tx.Credit(rec.Size)
			freeNames = append(freeNames, rec.SegmentName)
		}
		return nil
	}); err != nil {
		s.log.Warningf("store %q: draining metadata on shutdown: %v", s.prefix, err)
	}
	for _, n := range freeNames {
		_ = segment.Free(n)
	}

	if err := s.table.Destroy(); err != nil {
		s.log.Warningf("store %q: removing metadata table: %v", s.prefix, err)
	}
	if err := s.notifier.Destroy(); err != nil {
		s.log.Warningf("store %q: removing notify region: %v", s.prefix, err)
	}
	s.log.Infof("store %q shut down", s.prefix)
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// segmentName derives the OS-level segment name for an object id. The
// prefix keeps concurrent store instances on one host apart.
func (s *Store) segmentName(id string) string {
	return s.prefix + "_" + id[:8]
}

// mapError converts lower-layer errors into store errors. Store errors
// pass through untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, meta.ErrObjectNotFound) {
		return store.NewError(store.RetCObjectNotFound, err.Error())
	}
	return store.NewError(store.RetCInternalError, err.Error())
}
