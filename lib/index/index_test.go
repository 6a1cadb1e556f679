package index

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindOrCreate(t *testing.T) {
	ix := New(0, 42)
	h := ix.Hash([]byte("key"))

	_, ok := ix.Find(h)
	assert.False(t, ok)

	e := ix.FindOrCreate(h)
	assert.Equal(t, hlog.InvalidAddress, e.Load())
	assert.Same(t, e, ix.FindOrCreate(h))

	found, ok := ix.Find(h)
	require.True(t, ok)
	assert.Same(t, e, found)
	assert.Equal(t, uint64(42), ix.Seed())
}

func TestConcurrentChainHeadCAS(t *testing.T) {
	ix := New(0, 1)
	e := ix.FindOrCreate(ix.Hash([]byte("hot")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				for {
					old := e.Load()
					if e.CompareAndSwap(old, old+1) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, hlog.Address(8000), e.Load(), "no CAS may be lost")
}

func TestGrowKeepsEntryCells(t *testing.T) {
	ix := New(0, 7)
	entries := make(map[uint64]*Entry)
	for i := 0; i < 100; i++ {
		h := ix.Hash([]byte(fmt.Sprintf("key-%d", i)))
		e := ix.FindOrCreate(h)
		e.Store(hlog.Address(i + 1))
		entries[h] = e
	}

	ix.BeginGrow()
	// creation while the grow flag is set goes through the grow mutex
	extra := ix.FindOrCreate(ix.Hash([]byte("during-grow")))
	ix.Grow()

	assert.Equal(t, 101, ix.Size())
	assert.Equal(t, int64(1), ix.Growths())
	for h, e := range entries {
		found, ok := ix.Find(h)
		require.True(t, ok)
		assert.Same(t, e, found)
	}
	found, ok := ix.Find(ix.Hash([]byte("during-grow")))
	require.True(t, ok)
	assert.Same(t, extra, found)
}

func TestCheckpointRestore(t *testing.T) {
	ix := New(0, 99)
	for i := 0; i < 50; i++ {
		ix.FindOrCreate(ix.Hash([]byte(fmt.Sprintf("key-%d", i)))).Store(hlog.Address(100 + i))
	}
	// empty chains are not dumped
	ix.FindOrCreate(ix.Hash([]byte("empty")))

	var buf bytes.Buffer
	n, err := ix.Checkpoint(&buf)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	restored := New(0, 0)
	n, err = restored.Restore(&buf)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, uint64(99), restored.Seed(), "the seed travels with the dump")

	for i := 0; i < 50; i++ {
		e, ok := restored.Find(restored.Hash([]byte(fmt.Sprintf("key-%d", i))))
		require.True(t, ok)
		assert.Equal(t, hlog.Address(100+i), e.Load())
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	_, err := New(0, 1).Restore(bytes.NewReader([]byte("not a zstd stream")))
	assert.Error(t, err)
}
