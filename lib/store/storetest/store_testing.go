package storetest

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jainsau/coals/lib/store"
)

// StoreFactory is a function that creates a fresh, empty IObjectStore
// implementation with the given byte capacity.
type StoreFactory func(capacity uint64) store.IObjectStore

// RunObjectStoreTests runs a comprehensive test suite for an
// IObjectStore implementation.
func RunObjectStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory(1<<20))
		})

		t.Run("Create&Seal", func(t *testing.T) {
			testCreateSeal(t, factory(1<<20))
		})

		t.Run("SealErrors", func(t *testing.T) {
			testSealErrors(t, factory(1<<20))
		})

		t.Run("GetBlocksUntilSeal", func(t *testing.T) {
			testGetBlocksUntilSeal(t, factory(1<<20))
		})

		t.Run("ConcurrentWaiters", func(t *testing.T) {
			testConcurrentWaiters(t, factory(1<<20))
		})

		t.Run("Refcounting", func(t *testing.T) {
			testRefcounting(t, factory(1<<20))
		})

		t.Run("EvictionPinning", func(t *testing.T) {
			testEvictionPinning(t, factory(1<<20))
		})

		t.Run("CapacityPressure", func(t *testing.T) {
			testCapacityPressure(t, factory(100))
		})

		t.Run("UsedAccounting", func(t *testing.T) {
			testUsedAccounting(t, factory(1<<20))
		})

		t.Run("Introspection", func(t *testing.T) {
			testIntrospection(t, factory(1<<20))
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory(1<<20))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// requireCode fails the test unless err carries the given return code.
func requireCode(t testing.TB, err error, code store.RetCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected error with code %s, got nil", code)
	}
	if !store.HasCode(err, code) {
		t.Fatalf("Expected error with code %s, got: %v", code, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	payload := []byte("the quick brown fox jumps over the lazy dog")

	id, err := s.Put(payload)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	r, size, err := s.Get(id, time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer r.Close()

	if size != uint64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), size)
	}
	if !bytes.Equal(r.Bytes()[:size], payload) {
		t.Errorf("Payload mismatch: expected %q, got %q", payload, r.Bytes()[:size])
	}

	if err := s.Release(id); err != nil {
		t.Errorf("Release after Get failed: %v", err)
	}

	_, _, err = s.Get("no-such-object", 10*time.Millisecond)
	requireCode(t, err, store.RetCObjectNotFound)
}

func testCreateSeal(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	payload := []byte("written in two halves")
	half := len(payload) / 2

	id, w, err := s.Create(uint64(len(payload)))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// incremental writes through the handle
	copy(w.Bytes()[:half], payload[:half])
	copy(w.Bytes()[half:], payload[half:])
	if err := w.Close(); err != nil {
		t.Fatalf("Close of write handle failed: %v", err)
	}

	if err := s.Seal(id); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	r, size, err := s.Get(id, time.Second)
	if err != nil {
		t.Fatalf("Get after Seal failed: %v", err)
	}
	defer r.Close()

	if !bytes.Equal(r.Bytes()[:size], payload) {
		t.Errorf("Payload mismatch: expected %q, got %q", payload, r.Bytes()[:size])
	}
}

func testSealErrors(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	id, err := s.Put([]byte("sealed on put"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	requireCode(t, s.Seal(id), store.RetCAlreadySealed)
	requireCode(t, s.Seal("no-such-object"), store.RetCObjectNotFound)
}

func testGetBlocksUntilSeal(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	id, w, err := s.Create(50)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	// unsealed object: a bounded Get must time out, not return bytes
	_, _, err = s.Get(id, 20*time.Millisecond)
	requireCode(t, err, store.RetCTimedOut)

	done := make(chan error, 1)
	go func() {
		r, size, err := s.Get(id, 5*time.Second)
		if err == nil {
			if size != 50 {
				err = fmt.Errorf("expected size 50, got %d", size)
			}
			r.Close()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Seal(id); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Errorf("Blocked Get did not complete after Seal: %v", err)
	}
}

func testConcurrentWaiters(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	payload := []byte("one writer, many readers")
	id, w, err := s.Create(uint64(len(payload)))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	copy(w.Bytes(), payload)

	const readers = 8
	var wg sync.WaitGroup
	errs := make([]error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, size, err := s.Get(id, 5*time.Second)
			if err != nil {
				errs[i] = err
				return
			}
			defer r.Close()
			if !bytes.Equal(r.Bytes()[:size], payload) {
				errs[i] = fmt.Errorf("payload mismatch: got %q", r.Bytes()[:size])
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close of write handle failed: %v", err)
	}
	if err := s.Seal(id); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Reader %d failed: %v", i, err)
		}
	}
}

func testRefcounting(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	id, err := s.Put([]byte("reference counted"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// creation holds one reference, take two more via Get
	for i := 0; i < 2; i++ {
		r, _, err := s.Get(id, time.Second)
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
		r.Close()
	}

	// three references outstanding, the object must survive eviction
	for i := 0; i < 3; i++ {
		if freed, err := s.Evict(); err != nil {
			t.Fatalf("Evict failed: %v", err)
		} else if freed != 0 {
			t.Fatalf("Evict freed %d bytes with references outstanding", freed)
		}
		if err := s.Release(id); err != nil {
			t.Fatalf("Release %d failed: %v", i, err)
		}
	}

	requireCode(t, s.Release(id), store.RetCRefcountUnderflow)

	// fully released, now it is fair game
	freed, err := s.Evict()
	if err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if freed == 0 {
		t.Errorf("Expected eviction of the released object, freed 0 bytes")
	}
}

func testEvictionPinning(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	// unsealed objects are pinned
	unsealedID, w, err := s.Create(10)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	// referenced sealed objects are pinned too (creation reference)
	pinnedID, err := s.Put([]byte("pinned by the creator"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// released sealed object, the only evictable one
	victimID, err := s.Put([]byte("evictable"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Release(victimID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	freed, err := s.Evict()
	if err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if freed != uint64(len("evictable")) {
		t.Errorf("Expected %d bytes freed, got %d", len("evictable"), freed)
	}

	// the evicted id is gone, the pinned ones are not
	_, _, err = s.Get(victimID, 10*time.Millisecond)
	requireCode(t, err, store.RetCObjectNotFound)

	for _, id := range []string{unsealedID, pinnedID} {
		exists, err := s.Contains(id)
		if err != nil {
			t.Fatalf("Contains failed: %v", err)
		}
		if !exists {
			t.Errorf("Pinned object %s was evicted", id)
		}
	}
}

// testCapacityPressure walks a store of 100 bytes through the full
// reservation and reclamation cycle.
func testCapacityPressure(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	payload := make([]byte, 60)

	// 60 of 100 in use, held by the creator
	first, err := s.Put(payload)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// no room and nothing evictable
	_, err = s.Put(payload)
	requireCode(t, err, store.RetCCapacityExceeded)

	// dropping the creation reference makes the first object evictable,
	// so the same Put now succeeds by reclaiming it
	if err := s.Release(first); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := s.Put(payload); err != nil {
		t.Fatalf("Put after Release failed: %v", err)
	}
	if exists, _ := s.Contains(first); exists {
		t.Errorf("Expected first object to be evicted under capacity pressure")
	}

	// larger than the whole store, rejected before any allocation
	_, err = s.Put(make([]byte, 200))
	requireCode(t, err, store.RetCObjectTooLarge)
}

func testUsedAccounting(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	sizes := []int{10, 200, 3000}
	var total uint64
	ids := make([]string, 0, len(sizes))

	for _, n := range sizes {
		id, err := s.Put(make([]byte, n))
		if err != nil {
			t.Fatalf("Put of %d bytes failed: %v", n, err)
		}
		ids = append(ids, id)
		total += uint64(n)
	}

	info, err := s.GetStoreInfo()
	if err != nil {
		t.Fatalf("GetStoreInfo failed: %v", err)
	}
	if info.UsedBytes != total {
		t.Errorf("Expected %d used bytes, got %d", total, info.UsedBytes)
	}
	if info.NumObjects != len(sizes) {
		t.Errorf("Expected %d objects, got %d", len(sizes), info.NumObjects)
	}
	if info.NumSealed != len(sizes) {
		t.Errorf("Expected %d sealed objects, got %d", len(sizes), info.NumSealed)
	}

	// releasing and evicting the middle object must credit exactly its
	// size back
	if err := s.Release(ids[1]); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := s.Evict(); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}

	info, err = s.GetStoreInfo()
	if err != nil {
		t.Fatalf("GetStoreInfo failed: %v", err)
	}
	if expected := total - uint64(sizes[1]); info.UsedBytes != expected {
		t.Errorf("Expected %d used bytes after eviction, got %d", expected, info.UsedBytes)
	}

	// the remaining records must add up to the reported total
	recs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var listed uint64
	for _, rec := range recs {
		listed += rec.Size
	}
	if listed != info.UsedBytes {
		t.Errorf("List sizes sum to %d, GetStoreInfo reports %d", listed, info.UsedBytes)
	}
}

func testIntrospection(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	first, err := s.Put([]byte("first"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	second, w, err := s.Create(10)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	rec, err := s.Info(first)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if !rec.Sealed || rec.Size != 5 || rec.RefCount != 1 {
		t.Errorf("Unexpected record for put object: %+v", rec)
	}

	rec, err = s.Info(second)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if rec.Sealed {
		t.Errorf("Create must not seal, got %+v", rec)
	}

	_, err = s.Info("no-such-object")
	requireCode(t, err, store.RetCObjectNotFound)

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	// oldest first
	if recs[0].ID != first || recs[1].ID != second {
		t.Errorf("Expected creation order [%s %s], got [%s %s]", first, second, recs[0].ID, recs[1].ID)
	}
}

func testEdgeCases(t *testing.T, s store.IObjectStore) {
	defer s.Shutdown()

	// empty payload is a legal object
	id, err := s.Put(nil)
	if err != nil {
		t.Fatalf("Put of empty payload failed: %v", err)
	}
	r, size, err := s.Get(id, time.Second)
	if err != nil {
		t.Fatalf("Get of empty object failed: %v", err)
	}
	if size != 0 {
		t.Errorf("Expected size 0, got %d", size)
	}
	r.Close()

	// operations on unknown ids fail uniformly
	requireCode(t, s.Release("no-such-object"), store.RetCObjectNotFound)
	_, err = s.Info("no-such-object")
	requireCode(t, err, store.RetCObjectNotFound)
	if exists, err := s.Contains("no-such-object"); err != nil || exists {
		t.Errorf("Contains on unknown id: exists=%v err=%v", exists, err)
	}

	// evict with nothing evictable is a no-op
	if freed, err := s.Evict(); err != nil || freed != 0 {
		t.Errorf("Evict on pinned-only store: freed=%d err=%v", freed, err)
	}
}
