package meta

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestTable(t *testing.T, capacity uint64) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.meta")
	tbl, err := Open(path, capacity)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return tbl
}

func testRecord(id string, size uint64) ObjectRecord {
	return ObjectRecord{
		ID:          id,
		SegmentName: "seg_" + id,
		Size:        size,
		RefCount:    1,
		CreatedAt:   time.Now().UnixNano(),
	}
}

func TestOpenRequiresCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.meta")
	if _, err := Open(path, 0); err == nil {
		t.Errorf("Expected error creating table with zero capacity")
	}
}

func TestInsertGetRemove(t *testing.T) {
	tbl := newTestTable(t, 1000)

	err := tbl.Update(func(tx *Txn) error {
		if !tx.Reserve(100) {
			t.Errorf("Expected reservation of 100/1000 to succeed")
		}
		return tx.Insert(testRecord("a", 100))
	})
	if err != nil {
		t.Fatalf("Insert transaction failed: %v", err)
	}

	err = tbl.View(func(tx *Txn) error {
		rec, err := tx.Get("a")
		if err != nil {
			t.Errorf("Expected record after insert, got %v", err)
		}
		if rec.Size != 100 || rec.Sealed || rec.RefCount != 1 {
			t.Errorf("Unexpected record state: %+v", rec)
		}
		if tx.Used() != 100 {
			t.Errorf("Expected used=100, got %d", tx.Used())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	err = tbl.Update(func(tx *Txn) error {
		if err := tx.Remove("a"); err != nil {
			return err
		}
		tx.Credit(100)
		return nil
	})
	if err != nil {
		t.Fatalf("Remove transaction failed: %v", err)
	}

	_ = tbl.View(func(tx *Txn) error {
		if _, err := tx.Get("a"); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("Expected ErrObjectNotFound after remove, got %v", err)
		}
		if tx.Used() != 0 {
			t.Errorf("Expected used=0 after credit, got %d", tx.Used())
		}
		return nil
	})
}

func TestDuplicateInsert(t *testing.T) {
	tbl := newTestTable(t, 1000)

	_ = tbl.Update(func(tx *Txn) error {
		return tx.Insert(testRecord("a", 10))
	})

	err := tbl.Update(func(tx *Txn) error {
		return tx.Insert(testRecord("a", 10))
	})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
}

func TestAbortedTransactionHasNoEffect(t *testing.T) {
	tbl := newTestTable(t, 1000)
	boom := errors.New("boom")

	err := tbl.Update(func(tx *Txn) error {
		if !tx.Reserve(500) {
			t.Errorf("Expected reservation to succeed")
		}
		if err := tx.Insert(testRecord("a", 500)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected closure error to propagate, got %v", err)
	}

	_ = tbl.View(func(tx *Txn) error {
		if tx.Used() != 0 {
			t.Errorf("Aborted transaction leaked used=%d", tx.Used())
		}
		if tx.Len() != 0 {
			t.Errorf("Aborted transaction leaked %d records", tx.Len())
		}
		return nil
	})
}

func TestReserveRespectsCapacity(t *testing.T) {
	tbl := newTestTable(t, 100)

	err := tbl.Update(func(tx *Txn) error {
		if !tx.Reserve(60) {
			t.Errorf("Expected 60/100 to fit")
		}
		if tx.Reserve(60) {
			t.Errorf("Expected second 60 to exceed capacity")
		}
		if tx.Used() != 60 {
			t.Errorf("Failed reservation changed used: %d", tx.Used())
		}
		return tx.Insert(testRecord("a", 60))
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestUpdateMutatesRecord(t *testing.T) {
	tbl := newTestTable(t, 1000)

	_ = tbl.Update(func(tx *Txn) error {
		return tx.Insert(testRecord("a", 10))
	})

	err := tbl.Update(func(tx *Txn) error {
		return tx.Update("a", func(rec *ObjectRecord) error {
			rec.Sealed = true
			rec.RefCount++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_ = tbl.View(func(tx *Txn) error {
		rec, _ := tx.Get("a")
		if !rec.Sealed || rec.RefCount != 2 {
			t.Errorf("Mutation not persisted: %+v", rec)
		}
		return nil
	})

	err = tbl.Update(func(tx *Txn) error {
		return tx.Update("missing", func(rec *ObjectRecord) error { return nil })
	})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Expected ErrObjectNotFound, got %v", err)
	}
}

func TestSecondHandleSeesCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.meta")

	tbl1, err := Open(path, 1000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// attaching handle; its capacity argument must be ignored
	tbl2, err := Open(path, 42)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	capacity, err := tbl2.Capacity()
	if err != nil {
		t.Fatalf("Capacity failed: %v", err)
	}
	if capacity != 1000 {
		t.Errorf("Expected attached handle to adopt capacity 1000, got %d", capacity)
	}

	_ = tbl1.Update(func(tx *Txn) error {
		tx.Reserve(10)
		return tx.Insert(testRecord("a", 10))
	})

	_ = tbl2.View(func(tx *Txn) error {
		if _, err := tx.Get("a"); err != nil {
			t.Errorf("Second handle missed committed record: %v", err)
		}
		return nil
	})

	// mutate through the second handle, observe through the first
	_ = tbl2.Update(func(tx *Txn) error {
		return tx.Update("a", func(rec *ObjectRecord) error {
			rec.Sealed = true
			return nil
		})
	})

	_ = tbl1.View(func(tx *Txn) error {
		rec, _ := tx.Get("a")
		if !rec.Sealed {
			t.Errorf("First handle missed seal committed by second handle")
		}
		return nil
	})
}

func TestAllOrderedOldestFirst(t *testing.T) {
	tbl := newTestTable(t, 1000)

	base := time.Now().UnixNano()
	_ = tbl.Update(func(tx *Txn) error {
		for _, id := range []string{"newest", "oldest", "middle"} {
			rec := testRecord(id, 10)
			switch id {
			case "oldest":
				rec.CreatedAt = base
			case "middle":
				rec.CreatedAt = base + 1
			case "newest":
				rec.CreatedAt = base + 2
			}
			if err := tx.Insert(rec); err != nil {
				return err
			}
		}
		return nil
	})

	_ = tbl.View(func(tx *Txn) error {
		all := tx.All()
		if len(all) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(all))
		}
		if all[0].ID != "oldest" || all[1].ID != "middle" || all[2].ID != "newest" {
			t.Errorf("Wrong eviction order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
		}
		return nil
	})
}

func TestViewIsReadOnly(t *testing.T) {
	tbl := newTestTable(t, 1000)

	_ = tbl.View(func(tx *Txn) error {
		if err := tx.Insert(testRecord("a", 10)); !errors.Is(err, ErrTxnReadOnly) {
			t.Errorf("Expected ErrTxnReadOnly from Insert, got %v", err)
		}
		if err := tx.Remove("a"); !errors.Is(err, ErrTxnReadOnly) {
			t.Errorf("Expected ErrTxnReadOnly from Remove, got %v", err)
		}
		return nil
	})
}

func TestDestroy(t *testing.T) {
	tbl := newTestTable(t, 1000)

	if err := tbl.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := tbl.Destroy(); err != nil {
		t.Errorf("Destroy must be idempotent, got %v", err)
	}

	if err := tbl.Update(func(tx *Txn) error { return nil }); err == nil {
		t.Errorf("Expected transactions to fail after Destroy")
	}
}
