package furnace

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jainsau/coals/lib/store"
	"github.com/jainsau/coals/lib/store/storetest"
)

var prefixSeq atomic.Uint64

// testPrefix returns a store prefix unique to this process and call,
// so parallel test runs never collide on shared-memory names.
func testPrefix() string {
	return fmt.Sprintf("coals_test_%d_%d", os.Getpid(), prefixSeq.Add(1))
}

func newTestStore(t *testing.T, capacity uint64) *Store {
	t.Helper()
	s, err := New(Config{Capacity: capacity, Prefix: testPrefix()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestFurnaceStore(t *testing.T) {
	storetest.RunObjectStoreTests(t, "Furnace", func(capacity uint64) store.IObjectStore {
		s, err := New(Config{Capacity: capacity, Prefix: testPrefix()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return s
	})
}

// TestSecondHandleSharesObjects checks the cross-instance contract: two
// independently constructed stores with the same prefix see the same
// objects through the shared metadata table and segments.
func TestSecondHandleSharesObjects(t *testing.T) {
	prefix := testPrefix()

	writer, err := New(Config{Capacity: 1 << 20, Prefix: prefix})
	if err != nil {
		t.Fatalf("New (creator) failed: %v", err)
	}
	defer writer.Shutdown()

	// attaching, the capacity argument is ignored
	reader, err := New(Config{Prefix: prefix})
	if err != nil {
		t.Fatalf("New (attach) failed: %v", err)
	}

	info, err := reader.GetStoreInfo()
	if err != nil {
		t.Fatalf("GetStoreInfo failed: %v", err)
	}
	if info.CapacityBytes != 1<<20 {
		t.Errorf("Attached handle reports capacity %d, expected %d", info.CapacityBytes, 1<<20)
	}

	payload := []byte("visible through every handle")
	id, err := writer.Put(payload)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	r, size, err := reader.Get(id, time.Second)
	if err != nil {
		t.Fatalf("Get through second handle failed: %v", err)
	}
	defer r.Close()
	if !bytes.Equal(r.Bytes()[:size], payload) {
		t.Errorf("Payload mismatch through second handle: got %q", r.Bytes()[:size])
	}
	if err := reader.Release(id); err != nil {
		t.Errorf("Release through second handle failed: %v", err)
	}
}

// TestSealWakesOtherHandle checks that a Get blocked through one handle
// is woken by a Seal issued through another.
func TestSealWakesOtherHandle(t *testing.T) {
	prefix := testPrefix()

	writer, err := New(Config{Capacity: 1 << 20, Prefix: prefix})
	if err != nil {
		t.Fatalf("New (creator) failed: %v", err)
	}
	defer writer.Shutdown()

	reader, err := New(Config{Prefix: prefix})
	if err != nil {
		t.Fatalf("New (attach) failed: %v", err)
	}

	payload := []byte("sealed elsewhere")
	id, w, err := writer.Create(uint64(len(payload)))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	copy(w.Bytes(), payload)

	done := make(chan error, 1)
	go func() {
		r, size, err := reader.Get(id, 5*time.Second)
		if err == nil {
			if !bytes.Equal(r.Bytes()[:size], payload) {
				err = fmt.Errorf("payload mismatch: got %q", r.Bytes()[:size])
			}
			r.Close()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close of write handle failed: %v", err)
	}
	if err := writer.Seal(id); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Errorf("Blocked Get on second handle failed: %v", err)
	}
}

// TestShutdownFreesEverything checks that Shutdown removes pinned and
// unpinned objects alike and tears down the shared resources.
func TestShutdownFreesEverything(t *testing.T) {
	s := newTestStore(t, 1<<20)

	if _, err := s.Put([]byte("pinned")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, w, err := s.Create(10); err != nil {
		t.Fatalf("Create failed: %v", err)
	} else {
		w.Close()
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	// a second shutdown of the same instance stays harmless
	if err := s.Shutdown(); err != nil {
		t.Errorf("Second Shutdown failed: %v", err)
	}
}
