package hybrid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/core"
	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallDB opens a database whose log keeps only a few tiny pages in memory
func smallDB(t *testing.T, dir string, sessions int) *hybridImpl {
	t.Helper()
	kv, err := NewHybridDB(&DBOptions{
		Engine: core.Options{
			Dir: dir,
			Log: hlog.Options{PageBits: 4, MemoryPages: 4, MutablePages: 2, MaxPages: 1 << 14},
		},
		Sessions:  sessions,
		OpTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv.(*hybridImpl)
}

func TestValueFunctions(t *testing.T) {
	var f valueFunctions
	var out []byte

	v := f.InitialUpdater(nil, request{kind: reqIncrement, delta: 3}, &out)
	assert.Equal(t, int64(3), util.DecodeInt64(v))
	assert.Equal(t, int64(3), util.DecodeInt64(out))

	require.True(t, f.InPlaceUpdater(nil, request{kind: reqIncrement, delta: 2}, v, &out))
	assert.Equal(t, int64(5), util.DecodeInt64(v))
	out[0] = 0xff
	assert.Equal(t, int64(5), util.DecodeInt64(v), "output must not alias the record")

	assert.False(t, f.InPlaceUpdater(nil, request{kind: reqIncrement, delta: 1}, []byte("abc"), &out))
	v = f.CopyUpdater(nil, request{kind: reqIncrement, delta: 1}, []byte("abc"), &out)
	assert.Equal(t, int64(1), util.DecodeInt64(v))

	assert.False(t, f.InPlaceUpdater(nil, request{kind: reqAppend, data: []byte("x")}, []byte("ab"), &out))
	v = f.CopyUpdater(nil, request{kind: reqAppend, data: []byte("x")}, []byte("ab"), &out)
	assert.Equal(t, "abx", string(v))
	assert.Equal(t, int64(3), util.DecodeInt64(out))

	out = nil
	f.SingleReader(nil, request{kind: reqProbe}, []byte("value"), &out)
	assert.Nil(t, out)
	f.ConcurrentReader(nil, request{kind: reqRead}, []byte("value"), &out)
	assert.Equal(t, "value", string(out))
}

func TestVolatileDatabase(t *testing.T) {
	kv, err := NewHybridDB(nil)
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Set("a", []byte("1")))
	v, ok, err := kv.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	assert.False(t, kv.SupportsFeature(db.FeatureCheckpoint))
	assert.True(t, kv.SupportsFeature(db.FeatureSet|db.FeatureIncrement))

	_, err = kv.Checkpoint()
	assert.ErrorIs(t, err, db.ErrNotSupported)
	assert.ErrorIs(t, kv.Recover(LatestToken), core.ErrCheckpointsDisabled)
}

func TestRecoverLatest(t *testing.T) {
	dir := t.TempDir()
	kv := smallDB(t, dir, 2)
	for i := 0; i < 200; i++ {
		require.NoError(t, kv.Set(fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	_, err := kv.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, kv.Set("k0", []byte("late")))
	require.NoError(t, kv.Close())

	re := smallDB(t, dir, 2)
	require.NoError(t, re.Recover(LatestToken))
	for i := 0; i < 200; i++ {
		v, ok, err := re.Get(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.True(t, ok, "k%d", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}

	assert.Error(t, smallDB(t, t.TempDir(), 1).Recover("not-a-token"))
}

func TestReadsFromDevice(t *testing.T) {
	kv := smallDB(t, t.TempDir(), 4)

	// far more records than fit into memory
	for i := 0; i < 500; i++ {
		_, err := kv.Increment(fmt.Sprintf("c%d", i%100), 1)
		require.NoError(t, err)
	}
	require.NoError(t, kv.store.FlushAndEvict(context.Background()))
	assert.Greater(t, kv.store.Log().EvictedPages(), int64(0))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ok, err := kv.Has(fmt.Sprintf("c%d", i))
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()

	// merges on evicted records go pending and continue from the device
	for i := 0; i < 100; i++ {
		n, err := kv.Increment(fmt.Sprintf("c%d", i), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(15), n)
	}
}

func TestSessionPool(t *testing.T) {
	kv := smallDB(t, t.TempDir(), 3)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, kv.Set(fmt.Sprintf("w%d-%d", w, i), []byte("x")))
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, kv.store.SessionCount(), 3)
	assert.Len(t, kv.pool, kv.store.SessionCount(), "all sessions are back in the pool")

	require.NoError(t, kv.Close())
	assert.Equal(t, 0, kv.store.SessionCount())
	assert.ErrorIs(t, kv.Set("x", nil), core.ErrStoreClosed)
	assert.NoError(t, kv.Close())
}

func TestCheckpointWhileWriting(t *testing.T) {
	kv := smallDB(t, t.TempDir(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				_, err := kv.Increment(fmt.Sprintf("w%d", w), 1)
				assert.NoError(t, err)
			}
		}(w)
	}

	for i := 0; i < 3; i++ {
		_, err := kv.Checkpoint()
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()

	state := kv.store.SystemState()
	assert.Equal(t, core.PhaseRest, state.Phase)
	assert.Equal(t, uint32(core.FirstVersion+3), state.Version)
}

func TestInfoMetadata(t *testing.T) {
	kv := smallDB(t, t.TempDir(), 1)
	for i := 0; i < 50; i++ {
		require.NoError(t, kv.Set(fmt.Sprintf("k%d", i), make([]byte, 32)))
	}
	require.NoError(t, kv.Delete("k0"))

	info := kv.GetInfo()
	assert.Equal(t, db.ImplHybrid, info.DbType)
	assert.Contains(t, info.SupportedFeatures, db.FeatureCheckpoint)
	assert.Greater(t, info.SizeBytes, 0)
}
