package util

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedHeapOrder(t *testing.T) {
	h := NewKeyedHeap[uint64]()
	_, _, ok := h.Min()
	assert.False(t, ok)

	r := rand.New(rand.NewSource(1))
	var prios []uint64
	for i := uint64(0); i < 200; i++ {
		p := r.Uint64() % 1000
		prios = append(prios, p)
		h.Set(i, p)
	}
	require.Equal(t, 200, h.Len())
	sort.Slice(prios, func(i, j int) bool { return prios[i] < prios[j] })

	for _, want := range prios {
		_, p, ok := h.PopMin()
		require.True(t, ok)
		assert.Equal(t, want, p)
	}
	assert.Equal(t, 0, h.Len())
}

func TestKeyedHeapSetMovesKey(t *testing.T) {
	h := NewKeyedHeap[string]()
	h.Set("a", 10)
	h.Set("b", 20)
	h.Set("c", 30)

	h.Set("c", 5)
	k, p, ok := h.Min()
	require.True(t, ok)
	assert.Equal(t, "c", k)
	assert.Equal(t, uint64(5), p)
	assert.Equal(t, 3, h.Len())

	h.Set("c", 50)
	k, _, _ = h.Min()
	assert.Equal(t, "a", k)

	p, ok = h.Priority("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(50), p)
}

func TestKeyedHeapRemove(t *testing.T) {
	h := NewKeyedHeap[int]()
	for i := 0; i < 10; i++ {
		h.Set(i, uint64(i))
	}

	p, ok := h.Remove(0)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), p)
	_, ok = h.Remove(0)
	assert.False(t, ok)
	h.Remove(5)

	var got []int
	for h.Len() > 0 {
		k, _, _ := h.PopMin()
		got = append(got, k)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 6, 7, 8, 9}, got)
	_, ok = h.Priority(3)
	assert.False(t, ok)
}
