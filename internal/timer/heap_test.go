package timer

import (
	"testing"
	"time"
)

// verify checks the heap ordering property and the id index after a
// mutation.
func verify(t *testing.T, h *Heap) {
	t.Helper()
	for i := range h.heap {
		left, right := i*2+1, i*2+2
		if left < len(h.heap) && h.heap[left].expires.Before(h.heap[i].expires) {
			t.Fatalf("heap property violated at %d/%d", i, left)
		}
		if right < len(h.heap) && h.heap[right].expires.Before(h.heap[i].expires) {
			t.Fatalf("heap property violated at %d/%d", i, right)
		}
		if h.ref[h.heap[i].id] != i {
			t.Fatalf("ref[%d] = %d, want %d", h.heap[i].id, h.ref[h.heap[i].id], i)
		}
	}
	if len(h.ref) != len(h.heap) {
		t.Fatalf("ref has %d entries, heap %d", len(h.ref), len(h.heap))
	}
}

func TestAddOrdering(t *testing.T) {
	h := NewHeap()
	timeouts := []time.Duration{
		50 * time.Millisecond, 10 * time.Millisecond, 90 * time.Millisecond,
		30 * time.Millisecond, 70 * time.Millisecond, 20 * time.Millisecond,
	}
	for id, d := range timeouts {
		h.Add(id, d, nil)
		verify(t, h)
	}
	if h.Len() != len(timeouts) {
		t.Fatalf("Len() = %d, want %d", h.Len(), len(timeouts))
	}
	if h.heap[0].id != 1 {
		t.Errorf("top id = %d, want 1 (shortest timeout)", h.heap[0].id)
	}
}

func TestAddExistingUpdatesInPlace(t *testing.T) {
	h := NewHeap()
	h.Add(1, 10*time.Millisecond, nil)
	h.Add(2, 20*time.Millisecond, nil)
	h.Add(1, 500*time.Millisecond, nil) // push id 1 past id 2
	verify(t, h)
	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}
	if h.heap[0].id != 2 {
		t.Errorf("top id = %d, want 2 after re-add", h.heap[0].id)
	}
}

func TestAdjust(t *testing.T) {
	h := NewHeap()
	h.Add(1, 10*time.Millisecond, nil)
	h.Add(2, 20*time.Millisecond, nil)
	h.Adjust(1, time.Second)
	verify(t, h)
	if h.heap[0].id != 2 {
		t.Errorf("top id = %d, want 2 after adjust", h.heap[0].id)
	}
}

func TestCancelAndFire(t *testing.T) {
	h := NewHeap()
	fired := false
	h.Add(7, time.Hour, func() { fired = true })
	h.Add(8, time.Hour, nil)
	h.CancelAndFire(7)
	verify(t, h)
	if !fired {
		t.Error("callback did not fire")
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}
	// Unknown id is a no-op.
	h.CancelAndFire(99)
	verify(t, h)
}

func TestCancelWithoutFire(t *testing.T) {
	h := NewHeap()
	fired := false
	h.Add(3, time.Hour, func() { fired = true })
	h.Cancel(3)
	if fired {
		t.Error("Cancel must not fire the callback")
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
}

func TestTickFiresExpired(t *testing.T) {
	h := NewHeap()
	var fired []int
	h.Add(1, -time.Millisecond, func() { fired = append(fired, 1) })
	h.Add(2, -time.Millisecond, func() { fired = append(fired, 2) })
	h.Add(3, time.Hour, func() { fired = append(fired, 3) })
	h.Tick()
	verify(t, h)
	if len(fired) != 2 {
		t.Fatalf("fired %v, want both expired timers", fired)
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}
}

func TestNextTickBoundaries(t *testing.T) {
	h := NewHeap()
	if got := h.NextTick(); got != -1 {
		t.Errorf("NextTick() on empty heap = %d, want -1", got)
	}
	h.Add(1, 100*time.Millisecond, nil)
	got := h.NextTick()
	if got < 0 || got > 100 {
		t.Errorf("NextTick() = %d, want within [0, 100]", got)
	}
	// An expired top fires during NextTick; the pending id 1 remains.
	h.Add(2, -time.Millisecond, nil)
	if got := h.NextTick(); got < 0 || got > 100 {
		t.Errorf("NextTick() after expiry = %d, want remaining wait for id 1", got)
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after expired top fired", h.Len())
	}
}

func TestPopTopAndClear(t *testing.T) {
	h := NewHeap()
	h.Add(1, time.Hour, nil)
	h.Add(2, 2*time.Hour, nil)
	h.PopTop()
	verify(t, h)
	if h.Len() != 1 || h.heap[0].id != 2 {
		t.Fatalf("PopTop left wrong state: len=%d", h.Len())
	}
	h.Clear()
	if h.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", h.Len())
	}
}

func TestInteriorRemoveKeepsIndex(t *testing.T) {
	h := NewHeap()
	for id := 0; id < 20; id++ {
		h.Add(id, time.Duration(100-id)*time.Millisecond, nil)
	}
	// Cancel interior nodes in an order that forces both sift directions.
	for _, id := range []int{5, 12, 0, 19, 7} {
		h.Cancel(id)
		verify(t, h)
	}
	if h.Len() != 15 {
		t.Errorf("Len() = %d, want 15", h.Len())
	}
}
