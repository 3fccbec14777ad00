package command

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLHeapOrdering(t *testing.T) {
	h := make(ttlHeap, 0, 4)
	heap.Init(&h)

	now := time.Now()
	e1 := &ttlEntry{id: "a", expireAt: now.Add(3 * time.Second)}
	e2 := &ttlEntry{id: "b", expireAt: now.Add(1 * time.Second)}
	e3 := &ttlEntry{id: "c", expireAt: now.Add(2 * time.Second)}

	heap.Push(&h, e1)
	heap.Push(&h, e2)
	heap.Push(&h, e3)

	require.Equal(t, "b", h.peek().id)

	first := heap.Pop(&h).(*ttlEntry)
	assert.Equal(t, "b", first.id)

	second := heap.Pop(&h).(*ttlEntry)
	assert.Equal(t, "c", second.id)

	third := heap.Pop(&h).(*ttlEntry)
	assert.Equal(t, "a", third.id)

	assert.Nil(t, h.peek())
}

func TestTTLHeapRemove(t *testing.T) {
	h := make(ttlHeap, 0, 4)
	heap.Init(&h)

	now := time.Now()
	e1 := &ttlEntry{id: "a", expireAt: now.Add(1 * time.Second)}
	e2 := &ttlEntry{id: "b", expireAt: now.Add(2 * time.Second)}
	e3 := &ttlEntry{id: "c", expireAt: now.Add(3 * time.Second)}
	heap.Push(&h, e1)
	heap.Push(&h, e2)
	heap.Push(&h, e3)

	h.remove(e2)
	assert.Equal(t, 2, h.Len())

	first := heap.Pop(&h).(*ttlEntry)
	assert.Equal(t, "a", first.id)
	second := heap.Pop(&h).(*ttlEntry)
	assert.Equal(t, "c", second.id)
}
