// Package timer implements the idle-connection timer as a binary min-heap
// keyed by expiry, with a side index from id to heap position so adjust and
// cancel stay O(log n). The heap is mutated only by the reactor goroutine.
package timer

import "time"

// Callback runs when a timer fires.
type Callback func()

type node struct {
	id      int
	expires time.Time
	cb      Callback
}

// Heap is an expiry-ordered timer collection.
type Heap struct {
	heap []node
	ref  map[int]int // id -> heap index
}

// NewHeap returns an empty timer heap.
func NewHeap() *Heap {
	return &Heap{ref: make(map[int]int)}
}

// Len returns the number of pending timers.
func (h *Heap) Len() int {
	return len(h.heap)
}

func (h *Heap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.ref[h.heap[i].id] = i
	h.ref[h.heap[j].id] = j
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.heap[i].expires.Before(h.heap[parent].expires) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// siftDown pushes index i down within heap[:n]. Reports whether the node
// moved, so callers can fall back to siftUp.
func (h *Heap) siftDown(i, n int) bool {
	start := i
	for {
		child := i*2 + 1
		if child >= n {
			break
		}
		if child+1 < n && h.heap[child+1].expires.Before(h.heap[child].expires) {
			child++
		}
		if !h.heap[child].expires.Before(h.heap[i].expires) {
			break
		}
		h.swap(i, child)
		i = child
	}
	return i > start
}

// Add registers a timer for id firing after timeout. If id already has a
// timer its expiry and callback are replaced in place and the heap is
// re-ordered.
func (h *Heap) Add(id int, timeout time.Duration, cb Callback) {
	expires := time.Now().Add(timeout)
	if i, ok := h.ref[id]; ok {
		h.heap[i].expires = expires
		h.heap[i].cb = cb
		if !h.siftDown(i, len(h.heap)) {
			h.siftUp(i)
		}
		return
	}
	i := len(h.heap)
	h.ref[id] = i
	h.heap = append(h.heap, node{id: id, expires: expires, cb: cb})
	h.siftUp(i)
}

// Adjust moves an existing timer's expiry to now+timeout.
func (h *Heap) Adjust(id int, timeout time.Duration) {
	i, ok := h.ref[id]
	if !ok {
		return
	}
	h.heap[i].expires = time.Now().Add(timeout)
	if !h.siftDown(i, len(h.heap)) {
		h.siftUp(i)
	}
}

// remove deletes the node at index i, swapping it with the last entry and
// restoring heap order.
func (h *Heap) remove(i int) {
	n := len(h.heap) - 1
	if i < n {
		h.swap(i, n)
	}
	delete(h.ref, h.heap[n].id)
	h.heap = h.heap[:n]
	if i < n {
		if !h.siftDown(i, n) {
			h.siftUp(i)
		}
	}
}

// CancelAndFire removes id's timer and runs its callback.
func (h *Heap) CancelAndFire(id int) {
	i, ok := h.ref[id]
	if !ok {
		return
	}
	cb := h.heap[i].cb
	h.remove(i)
	if cb != nil {
		cb()
	}
}

// Cancel removes id's timer without firing it.
func (h *Heap) Cancel(id int) {
	if i, ok := h.ref[id]; ok {
		h.remove(i)
	}
}

// Tick fires and removes every timer whose expiry has passed.
func (h *Heap) Tick() {
	now := time.Now()
	for len(h.heap) > 0 {
		top := h.heap[0]
		if top.expires.After(now) {
			break
		}
		h.remove(0)
		if top.cb != nil {
			top.cb()
		}
	}
}

// PopTop removes the earliest timer without firing it.
func (h *Heap) PopTop() {
	if len(h.heap) > 0 {
		h.remove(0)
	}
}

// NextTick fires expired timers and returns the wait until the next
// expiry in milliseconds: -1 when no timers remain, 0 when the top is
// already due.
func (h *Heap) NextTick() int {
	h.Tick()
	if len(h.heap) == 0 {
		return -1
	}
	ms := time.Until(h.heap[0].expires).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return int(ms)
}

// Clear drops every timer without firing callbacks.
func (h *Heap) Clear() {
	h.heap = nil
	h.ref = make(map[int]int)
}
