package hlog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/epoch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, opts Options) (*Log, *epoch.Manager) {
	t.Helper()
	em := epoch.NewManager(8)
	l, err := New(em, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, em
}

// --------------------------------------------------------------------------
// Records and frames
// --------------------------------------------------------------------------

func TestRecordLock(t *testing.T) {
	r := NewRecord([]byte("k"), []byte("v"), InvalidAddress, 1)

	require.True(t, r.TryLockShared())
	assert.False(t, r.TryLockExclusive(), "writer must wait for readers")
	r.UnlockShared()

	require.True(t, r.TryLockExclusive())
	assert.False(t, r.TryLockShared(), "reader must wait for writer")
	r.UnlockExclusive()

	r.Seal()
	r.SetTombstone()
	assert.True(t, r.IsSealed())
	assert.True(t, r.IsTombstone())
	assert.False(t, r.IsInvalid())
}

func TestRecordLockExcludesWriters(t *testing.T) {
	r := NewRecord([]byte("k"), make([]byte, 8), InvalidAddress, 1)
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.LockExclusive()
				counter++
				r.UnlockExclusive()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*500, counter)
}

func TestFrameDecodeDetectsCorruption(t *testing.T) {
	r := NewTombstone([]byte("key"), 42, 3)
	r.Seal()
	data := encodeFrame(7, r)

	addr, decoded, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, Address(7), addr)
	assert.Equal(t, Address(42), decoded.PreviousAddress())
	assert.Equal(t, uint32(3), decoded.Version())
	assert.True(t, decoded.IsTombstone())
	assert.False(t, decoded.IsSealed(), "seal is not persisted")

	data[len(data)-1] ^= 0xff
	_, _, err = decodeFrame(data)
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

// --------------------------------------------------------------------------
// Devices
// --------------------------------------------------------------------------

func TestMemoryDeviceTruncate(t *testing.T) {
	d := NewMemoryDevice()
	require.NoError(t, d.Write([]Frame{
		{Address: 1, Record: NewRecord([]byte("a"), []byte("1"), 0, 1)},
		{Address: 2, Record: NewRecord([]byte("b"), []byte("2"), 0, 1)},
	}))
	require.NoError(t, d.Truncate(2))
	assert.Equal(t, 1, d.Len())

	_, err := d.Read(2)
	assert.ErrorIs(t, err, ErrNotOnDevice)
	r, err := d.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), r.Value())
}

func TestFileDeviceReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlog.dat")
	d, err := NewFileDevice(path)
	require.NoError(t, err)

	require.NoError(t, d.Write([]Frame{
		{Address: 1, Record: NewRecord([]byte("a"), []byte("one"), 0, 1)},
		{Address: 2, Record: NewRecord([]byte("b"), []byte("two"), 0, 1)},
		{Address: 3, Record: NewRecord([]byte("c"), []byte("three"), 0, 2)},
	}))
	require.NoError(t, d.Truncate(3))
	require.NoError(t, d.Close())

	// simulate a crash in the middle of a write
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d, err = NewFileDevice(path)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 2, d.Len())
	r, err := d.Read(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), r.Key())
	assert.Equal(t, []byte("two"), r.Value())

	_, err = d.Read(3)
	assert.ErrorIs(t, err, ErrNotOnDevice, "truncation must survive reopen")

	// the device stays appendable after cutting the partial frame
	require.NoError(t, d.Write([]Frame{{Address: 3, Record: NewRecord([]byte("c"), []byte("new"), 0, 3)}}))
	r, err = d.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), r.Value())
}

// --------------------------------------------------------------------------
// Log
// --------------------------------------------------------------------------

func TestAllocateAndGet(t *testing.T) {
	l, em := newTestLog(t, Options{PageBits: 4, MemoryPages: 4, MutablePages: 2})
	g, err := em.Enter()
	require.NoError(t, err)
	defer g.Exit()

	var addrs []Address
	for i := 0; i < 10; i++ {
		addr, err := l.Allocate(NewRecord([]byte{byte(i)}, []byte{byte(i)}, InvalidAddress, 1))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	assert.Equal(t, FirstValidAddress, addrs[0])
	for i, addr := range addrs {
		assert.Equal(t, []byte{byte(i)}, l.Get(addr).Key())
	}
	assert.Nil(t, l.Get(InvalidAddress))
	assert.Equal(t, Address(11), l.TailAddress())
}

func TestPageTurnShiftsRegions(t *testing.T) {
	l, _ := newTestLog(t, Options{PageBits: 2, MemoryPages: 3, MutablePages: 1})

	// 4 records per page, addresses 1..23 turn pages up to page 5. Nobody is
	// protected, so epoch actions run at once.
	for i := 0; i < 23; i++ {
		_, err := l.Allocate(NewRecord([]byte{byte(i)}, nil, InvalidAddress, 1))
		require.NoError(t, err)
	}
	assert.Equal(t, Address(20), l.ReadOnlyAddress(), "only the last page stays mutable")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.WaitFlushed(ctx, 20))
	require.NoError(t, l.waitFor(ctx, func() bool { return l.SafeHeadAddress() >= 12 }))

	assert.Nil(t, l.Get(5), "page 1 must be evicted")
	r, err := l.Read(5)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, r.Key())
}

func TestReadOnlyShiftWaitsForProtectedWriters(t *testing.T) {
	l, em := newTestLog(t, Options{PageBits: 4})
	g, err := em.Enter()
	require.NoError(t, err)

	_, err = l.Allocate(NewRecord([]byte("k"), []byte("v"), InvalidAddress, 1))
	require.NoError(t, err)
	l.ShiftReadOnly(l.TailAddress())

	assert.Equal(t, l.TailAddress(), l.ReadOnlyAddress())
	assert.Equal(t, FirstValidAddress, l.SafeReadOnlyAddress(), "safe read-only waits for the protected owner")

	g.Exit()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.WaitFlushed(ctx, l.TailAddress()))
	assert.Equal(t, l.TailAddress(), l.SafeReadOnlyAddress())
}

func TestFlushAndEvictThenReadAsync(t *testing.T) {
	l, _ := newTestLog(t, Options{PageBits: 4, ReadsPerSecond: 1000})
	addr, err := l.Allocate(NewRecord([]byte("key"), []byte("value"), InvalidAddress, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.FlushAndEvict(ctx))
	assert.True(t, addr < l.HeadAddress(), "the record must be below the head")

	done := make(chan *Record, 1)
	l.ReadAsync(ctx, addr, func(r *Record, err error) {
		assert.NoError(t, err)
		done <- r
	})
	select {
	case r := <-done:
		assert.Equal(t, []byte("value"), r.Value())
	case <-ctx.Done():
		t.Fatal("async read did not complete")
	}
}

// slowDevice delays reads and records how many run at once
type slowDevice struct {
	*MemoryDevice
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (d *slowDevice) Read(addr Address) (*Record, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return d.MemoryDevice.Read(addr)
}

func TestReadAsyncBoundsConcurrentReads(t *testing.T) {
	dev := &slowDevice{MemoryDevice: NewMemoryDevice()}
	l, _ := newTestLog(t, Options{PageBits: 4, Device: dev, MaxConcurrentReads: 2})
	addr, err := l.Allocate(NewRecord([]byte("key"), []byte("value"), InvalidAddress, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.FlushAndEvict(ctx))

	const reads = 32
	var wg sync.WaitGroup
	wg.Add(reads)
	for i := 0; i < reads; i++ {
		l.ReadAsync(ctx, addr, func(r *Record, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			assert.Equal(t, []byte("value"), r.Value())
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, dev.peak.Load(), int32(2))
	assert.Positive(t, dev.peak.Load())
}

func TestOutOfMemory(t *testing.T) {
	l, _ := newTestLog(t, Options{PageBits: 1, MemoryPages: 2, MutablePages: 1, MaxPages: 2})
	// addresses 1..3 fit into two pages of two records
	for i := 0; i < 3; i++ {
		_, err := l.Allocate(NewRecord([]byte{byte(i)}, nil, InvalidAddress, 1))
		require.NoError(t, err)
	}
	tail := l.TailAddress()
	for i := 0; i < 3; i++ {
		_, err := l.Allocate(NewRecord([]byte("x"), nil, InvalidAddress, 1))
		assert.ErrorIs(t, err, ErrOutOfMemory)
	}
	assert.Equal(t, tail, l.TailAddress(), "failed allocations must not move the tail")
}

func TestRecoverAndScan(t *testing.T) {
	dev := NewMemoryDevice()
	l, _ := newTestLog(t, Options{PageBits: 3, Device: dev})
	for i := 0; i < 5; i++ {
		_, err := l.Allocate(NewRecord([]byte{byte(i)}, nil, InvalidAddress, 1))
		require.NoError(t, err)
	}
	ctx := context.Background()
	final, err := l.ShiftReadOnlyToTail(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address(6), final)

	// a second log continues from the device
	em := epoch.NewManager(4)
	recovered, err := New(em, Options{PageBits: 3, Device: dev})
	require.NoError(t, err)
	require.NoError(t, recovered.Recover(4))
	assert.Equal(t, Address(4), recovered.TailAddress())
	assert.Equal(t, Address(4), recovered.HeadAddress())

	var seen []byte
	require.NoError(t, recovered.Scan(FirstValidAddress, 10, func(a Address, r *Record) error {
		seen = append(seen, r.Key()[0])
		return nil
	}))
	assert.Equal(t, []byte{0, 1, 2}, seen, "records at or beyond the final address are truncated")
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(epoch.NewManager(1), Options{MemoryPages: 2, MutablePages: 3})
	assert.Error(t, err)
}
