package notify

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	n, err := Open(filepath.Join(t.TempDir(), "test.ctl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestBroadcastBumpsGeneration(t *testing.T) {
	n := newTestNotifier(t)

	gen := n.Generation()
	n.Broadcast()
	if n.Generation() != gen+1 {
		t.Errorf("Expected generation %d after broadcast, got %d", gen+1, n.Generation())
	}
}

func TestWaitTimesOut(t *testing.T) {
	n := newTestNotifier(t)

	start := time.Now()
	err := n.Wait(n.Generation(), 20*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("Expected ErrWaitTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Wait returned after %v, before the timeout", elapsed)
	}
}

func TestWaitReturnsImmediatelyOnStaleGeneration(t *testing.T) {
	n := newTestNotifier(t)

	gen := n.Generation()
	n.Broadcast()

	// the word already moved past gen, so even a tiny timeout must not
	// be consumed
	if err := n.Wait(gen, time.Second); err != nil {
		t.Errorf("Expected immediate return on stale generation, got %v", err)
	}
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	n := newTestNotifier(t)

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)

	gen := n.Generation()
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = n.Wait(gen, 5*time.Second)
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	n.Broadcast()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Waiter %d was not woken: %v", i, err)
		}
	}
}

func TestSecondHandleSharesGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.ctl")

	n1, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer n1.Close()

	n2, err := Open(path)
	if err != nil {
		t.Fatalf("Second Open failed: %v", err)
	}
	defer n2.Close()

	gen := n2.Generation()
	done := make(chan error, 1)
	go func() {
		done <- n2.Wait(gen, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	n1.Broadcast()

	if err := <-done; err != nil {
		t.Errorf("Waiter on second handle missed broadcast: %v", err)
	}
	if n2.Generation() != n1.Generation() {
		t.Errorf("Handles disagree on generation: %d vs %d", n1.Generation(), n2.Generation())
	}
}

func TestDestroyIdempotent(t *testing.T) {
	n := newTestNotifier(t)

	if err := n.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := n.Destroy(); err != nil {
		t.Errorf("Second Destroy must be a no-op, got %v", err)
	}
}
