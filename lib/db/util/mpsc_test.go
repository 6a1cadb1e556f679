package util

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvTimeout[T any](t *testing.T, q *MPSCQueue[T]) (*T, bool) {
	t.Helper()
	select {
	case v, ok := <-q.Recv():
		return v, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the queue")
		return nil, false
	}
}

func TestMPSCQueueOrder(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Abort()

	for i := 0; i < 100; i++ {
		v := i
		require.True(t, q.Push(&v))
	}
	for i := 0; i < 100; i++ {
		v, ok := recvTimeout(t, q)
		require.True(t, ok)
		assert.Equal(t, i, *v)
	}
	assert.False(t, q.Push(nil))
}

func TestMPSCQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 1000
	q := NewMPSCQueue[[2]int]()
	defer q.Abort()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(&[2]int{p, i})
			}
		}(p)
	}

	// per producer order is kept
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for n := 0; n < producers*perProducer; n++ {
		v, ok := recvTimeout(t, q)
		require.True(t, ok)
		require.Greater(t, v[1], last[v[0]])
		last[v[0]] = v[1]
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}

func TestMPSCQueueLenAfterReceive(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Abort()

	for round := 0; round < 200; round++ {
		v := round
		require.True(t, q.Push(&v))
		_, ok := recvTimeout(t, q)
		require.True(t, ok)
		// the count drops before the value is handed over
		require.Equal(t, 0, q.Len(), "round %d", round)
	}
}

func TestMPSCQueueCloseDelivers(t *testing.T) {
	q := NewMPSCQueue[string]()
	a, b := "a", "b"
	q.Push(&a)
	q.Push(&b)
	q.Close()
	assert.True(t, q.IsClosed())
	assert.False(t, q.Push(&a))

	var got []string
	for v := range q.Recv() {
		got = append(got, *v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestMPSCQueueAbortDrops(t *testing.T) {
	q := NewMPSCQueue[int]()
	for i := 0; i < 10; i++ {
		v := i
		q.Push(&v)
	}
	q.Abort()
	q.Abort()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-q.Recv():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("recv channel not closed after abort")
		}
	}
}

func TestMPSCQueueSelect(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Abort()

	select {
	case <-q.Recv():
		t.Fatal("empty queue delivered a value")
	case <-time.After(10 * time.Millisecond):
	}

	v := 7
	q.Push(&v)
	got, ok := recvTimeout(t, q)
	require.True(t, ok)
	assert.Equal(t, 7, *got)
}
