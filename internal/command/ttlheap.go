package command

import (
	"container/heap"
	"time"
)

// MaxPending is the largest number of commands the TTL tracker will hold
// at once (spec §4.2, §6 resource limits). Submission beyond this returns
// ErrCapacityExhausted rather than growing without bound.
const MaxPending = 65536

// ttlEntry is one scheduled expiry in the heap.
type ttlEntry struct {
	id       string
	expireAt time.Time
	index    int // maintained by container/heap
}

// ttlHeap is a min-heap ordered by expireAt, used by the registry to find
// the next command due to time out without scanning the whole pending map.
type ttlHeap []*ttlEntry

func (h ttlHeap) Len() int { return len(h) }

func (h ttlHeap) Less(i, j int) bool { return h[i].expireAt.Before(h[j].expireAt) }

func (h ttlHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ttlHeap) Push(x interface{}) {
	e := x.(*ttlEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *ttlHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// peek returns the soonest-expiring entry without removing it, or nil if
// the heap is empty.
func (h ttlHeap) peek() *ttlEntry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// remove deletes e from the heap, locating it through its index field,
// which Push, Swap and Pop keep current. An entry no longer in the heap
// is ignored.
func (h *ttlHeap) remove(e *ttlEntry) {
	if e.index < 0 || e.index >= h.Len() {
		return
	}
	heap.Remove(h, e.index)
}
