package segment

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
)

// testName returns a segment name that cannot collide across test runs.
func testName(t *testing.T, suffix string) string {
	name := fmt.Sprintf("coals_segtest_%d_%s", os.Getpid(), suffix)
	t.Cleanup(func() { _ = Free(name) })
	return name
}

func TestAllocateWriteOpenRead(t *testing.T) {
	name := testName(t, "rw")
	payload := []byte("payload bytes visible through a second mapping")

	w, err := Allocate(name, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer w.Close()

	if w.Size() != uint64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), w.Size())
	}

	// new regions must be zero-filled
	for i, b := range w.Bytes() {
		if b != 0 {
			t.Fatalf("Expected zero-filled region, found %d at offset %d", b, i)
		}
	}

	copy(w.Bytes(), payload)

	r, err := Open(name, ModeRead)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if !bytes.Equal(r.Bytes(), payload) {
		t.Errorf("Expected %q through read mapping, got %q", payload, r.Bytes())
	}
}

func TestAllocateDuplicateName(t *testing.T) {
	name := testName(t, "dup")

	s, err := Allocate(name, 16)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer s.Close()

	if _, err := Allocate(name, 16); err == nil {
		t.Errorf("Expected error allocating an existing name")
	}
}

func TestOpenUnknownName(t *testing.T) {
	_, err := Open("coals_segtest_never_allocated", ModeRead)
	if !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Expected ErrSegmentNotFound, got %v", err)
	}
}

func TestFreeIdempotent(t *testing.T) {
	name := testName(t, "free")

	s, err := Allocate(name, 8)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := Free(name); err != nil {
		t.Errorf("First Free failed: %v", err)
	}
	if err := Free(name); err != nil {
		t.Errorf("Second Free must be a no-op, got %v", err)
	}

	if _, err := Open(name, ModeRead); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Expected ErrSegmentNotFound after Free, got %v", err)
	}
}

func TestMappingSurvivesFree(t *testing.T) {
	name := testName(t, "unlinked")
	payload := []byte("still readable after unlink")

	w, err := Allocate(name, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	copy(w.Bytes(), payload)

	if err := Free(name); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	// the existing mapping keeps valid access to the bytes
	if !bytes.Equal(w.Bytes(), payload) {
		t.Errorf("Expected mapping to stay valid after Free")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close after Free failed: %v", err)
	}
}

func TestZeroSizeSegment(t *testing.T) {
	name := testName(t, "empty")

	s, err := Allocate(name, 0)
	if err != nil {
		t.Fatalf("Allocate of empty segment failed: %v", err)
	}
	if len(s.Bytes()) != 0 {
		t.Errorf("Expected empty view, got %d bytes", len(s.Bytes()))
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close must be idempotent, got %v", err)
	}
}
