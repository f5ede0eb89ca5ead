package meta

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrDuplicateID is returned by Txn.Insert when the id already has a
	// record. Ids are store-generated, so hitting this indicates a bug.
	ErrDuplicateID = errors.New("duplicate object id")
	// ErrObjectNotFound is returned when the requested record does not
	// exist or was concurrently removed.
	ErrObjectNotFound = errors.New("object not found")
	// ErrTxnReadOnly is returned by mutating operations inside View.
	ErrTxnReadOnly = errors.New("transaction is read-only")
)

// --------------------------------------------------------------------------
// Table
// --------------------------------------------------------------------------

// Table is a handle on the shared metadata file. All processes of a
// store attach their own Table to the same path; cross-process mutual
// exclusion is flock(2) on the file, in-process exclusion is a RWMutex
// (flock does not serialize threads of one process).
type Table struct {
	path string
	mu   sync.RWMutex
	snap atomic.Pointer[snapshot]
}

// snapshot is an immutable decoded copy of the table at one generation.
// Records are held in an xsync map so concurrent read transactions can
// share one snapshot without copying.
type snapshot struct {
	generation uint64
	capacity   uint64
	used       uint64
	records    *xsync.MapOf[string, ObjectRecord]
}

// Open attaches to the table at path, creating it when it does not
// exist. The creating process fixes the capacity; attaching processes
// adopt the stored value and their capacity argument is ignored
// (capacity is immutable after construction and must be identical for
// all participants).
func Open(path string, capacity uint64) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open metadata table %q: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock metadata table %q: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat metadata table %q: %w", path, err)
	}

	if stat.Size() == 0 {
		// fresh table, this process is the creator
		if capacity == 0 {
			_ = os.Remove(path)
			return nil, fmt.Errorf("creating metadata table %q: capacity must be positive", path)
		}
		hdr := header{capacity: capacity, generation: 1}
		if err := encodeTable(f, hdr, nil); err != nil {
			return nil, fmt.Errorf("initialize metadata table %q: %w", path, err)
		}
	} else {
		if _, err := decodeHeader(f); err != nil {
			return nil, fmt.Errorf("attach metadata table %q: %w", path, err)
		}
	}

	return &Table{path: path}, nil
}

// Capacity returns the configured byte ceiling of the store.
func (t *Table) Capacity() (uint64, error) {
	var capacity uint64
	err := t.View(func(tx *Txn) error {
		capacity = tx.Capacity()
		return nil
	})
	return capacity, err
}

// Update runs fn inside an exclusive transaction. The new state is
// committed only when fn returns nil; any error aborts with no
// observable effect. Segment-level side effects must therefore be
// deferred until Update has returned successfully.
//
// Thread-safety: safe for concurrent use across goroutines and
// processes.
func (t *Table) Update(fn func(tx *Txn) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open metadata table %q: %w", t.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock metadata table %q: %w", t.path, err)
	}

	hdr, records, err := loadTable(f)
	if err != nil {
		return err
	}

	tx := &Txn{
		writable: true,
		records:  records,
		capacity: hdr.capacity,
		used:     hdr.used,
	}
	if err := fn(tx); err != nil {
		return err
	}

	hdr.used = tx.used
	hdr.generation++
	hdr.count = uint64(len(tx.records))

	recs := make([]ObjectRecord, 0, len(tx.records))
	for _, rec := range tx.records {
		recs = append(recs, *rec)
	}

	var buf bytes.Buffer
	if err := encodeTable(&buf, hdr, recs); err != nil {
		return fmt.Errorf("encode metadata table %q: %w", t.path, err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate metadata table %q: %w", t.path, err)
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("write metadata table %q: %w", t.path, err)
	}

	t.snap.Store(newSnapshot(hdr, recs))
	return nil
}

// View runs fn against a read-only snapshot taken under a shared lock.
// The snapshot is cached and reused until another committed transaction
// bumps the table generation.
//
// Thread-safety: safe for concurrent use across goroutines and
// processes.
func (t *Table) View(fn func(tx *Txn) error) error {
	t.mu.RLock()
	snap, err := t.loadSnapshot()
	t.mu.RUnlock()
	if err != nil {
		return err
	}

	tx := &Txn{
		view:     snap,
		capacity: snap.capacity,
		used:     snap.used,
	}
	return fn(tx)
}

// Destroy removes the shared table file. Attached processes fail their
// next transaction. Idempotent.
func (t *Table) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Store(nil)
	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("destroy metadata table %q: %w", t.path, err)
	}
	return nil
}

// loadSnapshot returns the current table state, decoding the file only
// when the cached snapshot's generation is stale.
func (t *Table) loadSnapshot() (*snapshot, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open metadata table %q: %w", t.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock metadata table %q: %w", t.path, err)
	}

	hdr, err := decodeHeader(f)
	if err != nil {
		return nil, fmt.Errorf("read metadata table %q: %w", t.path, err)
	}

	if snap := t.snap.Load(); snap != nil && snap.generation == hdr.generation {
		return snap, nil
	}

	records, err := decodeRecords(f, hdr.count)
	if err != nil {
		return nil, fmt.Errorf("read metadata table %q: %w", t.path, err)
	}

	recs := make([]ObjectRecord, 0, len(records))
	for _, rec := range records {
		recs = append(recs, *rec)
	}
	snap := newSnapshot(hdr, recs)
	t.snap.Store(snap)
	return snap, nil
}

// loadTable decodes the full table from an already-locked file.
func loadTable(r io.Reader) (header, map[string]*ObjectRecord, error) {
	hdr, err := decodeHeader(r)
	if err != nil {
		return hdr, nil, fmt.Errorf("read metadata table: %w", err)
	}
	records, err := decodeRecords(r, hdr.count)
	if err != nil {
		return hdr, nil, fmt.Errorf("read metadata table: %w", err)
	}
	return hdr, records, nil
}

func newSnapshot(hdr header, recs []ObjectRecord) *snapshot {
	m := xsync.NewMapOf[string, ObjectRecord]()
	for _, rec := range recs {
		m.Store(rec.ID, rec)
	}
	return &snapshot{
		generation: hdr.generation,
		capacity:   hdr.capacity,
		used:       hdr.used,
		records:    m,
	}
}

// --------------------------------------------------------------------------
// Txn
// --------------------------------------------------------------------------

// Txn is the view of the table handed to transaction closures. Writable
// transactions (Update) mutate a private copy that is committed
// atomically; read-only transactions (View) share an immutable snapshot.
type Txn struct {
	writable bool
	records  map[string]*ObjectRecord // writable transactions
	view     *snapshot                // read-only transactions
	capacity uint64
	used     uint64
}

// Get returns a copy of the record for id, or ErrObjectNotFound.
func (tx *Txn) Get(id string) (ObjectRecord, error) {
	if tx.writable {
		if rec, ok := tx.records[id]; ok {
			return *rec, nil
		}
		return ObjectRecord{}, fmt.Errorf("get %q: %w", id, ErrObjectNotFound)
	}
	if rec, ok := tx.view.records.Load(id); ok {
		return rec, nil
	}
	return ObjectRecord{}, fmt.Errorf("get %q: %w", id, ErrObjectNotFound)
}

// Insert adds a new record. The caller must have reserved the record's
// size beforehand (see Reserve) in this same transaction.
func (tx *Txn) Insert(rec ObjectRecord) error {
	if !tx.writable {
		return ErrTxnReadOnly
	}
	if _, ok := tx.records[rec.ID]; ok {
		return fmt.Errorf("insert %q: %w", rec.ID, ErrDuplicateID)
	}
	tx.records[rec.ID] = &rec
	return nil
}

// Update applies fn to the record for id. An error from fn is returned
// as-is and aborts the surrounding transaction.
func (tx *Txn) Update(id string, fn func(rec *ObjectRecord) error) error {
	if !tx.writable {
		return ErrTxnReadOnly
	}
	rec, ok := tx.records[id]
	if !ok {
		return fmt.Errorf("update %q: %w", id, ErrObjectNotFound)
	}
	return fn(rec)
}

// Remove deletes the record for id. The caller must free the backing
// segment after the transaction commits (never before, so an aborted
// transaction leaves no record pointing at a vanished segment).
func (tx *Txn) Remove(id string) error {
	if !tx.writable {
		return ErrTxnReadOnly
	}
	if _, ok := tx.records[id]; !ok {
		return fmt.Errorf("remove %q: %w", id, ErrObjectNotFound)
	}
	delete(tx.records, id)
	return nil
}

// All returns copies of every record, oldest CreatedAt first (ties
// broken by id). This is the eviction scan order.
func (tx *Txn) All() []ObjectRecord {
	var recs []ObjectRecord
	if tx.writable {
		recs = make([]ObjectRecord, 0, len(tx.records))
		for _, rec := range tx.records {
			recs = append(recs, *rec)
		}
	} else {
		recs = make([]ObjectRecord, 0, tx.view.records.Size())
		tx.view.records.Range(func(_ string, rec ObjectRecord) bool {
			recs = append(recs, rec)
			return true
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].ID < recs[j].ID
	})
	return recs
}

// Len returns the number of live records.
func (tx *Txn) Len() int {
	if tx.writable {
		return len(tx.records)
	}
	return tx.view.records.Size()
}

// Used returns the byte total currently accounted against capacity.
func (tx *Txn) Used() uint64 {
	return tx.used
}

// Capacity returns the configured byte ceiling.
func (tx *Txn) Capacity() uint64 {
	return tx.capacity
}

// Reserve accounts n bytes against capacity. It reports false, changing
// nothing, when the reservation would exceed the ceiling.
func (tx *Txn) Reserve(n uint64) bool {
	if !tx.writable {
		return false
	}
	if tx.used+n > tx.capacity {
		return false
	}
	tx.used += n
	return true
}

// Credit returns n previously reserved bytes.
func (tx *Txn) Credit(n uint64) {
	if !tx.writable {
		return
	}
	if n > tx.used {
		tx.used = 0
		return
	}
	tx.used -= n
}
