package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/stretchr/testify/require"
)

// counterFunctions stores 8 byte counters. Reads return a copy of the
// value, RMW adds the input to the counter.
type counterFunctions struct {
	FunctionsBase[int64, []byte, int]

	mu          sync.Mutex
	reads       map[int]Status
	readValues  map[int][]byte
	rmws        map[int]Status
	upserts     int
	deletes     int
	checkpoints []common.CommitPoint
}

func newCounterFunctions() *counterFunctions {
	return &counterFunctions{
		reads:      make(map[int]Status),
		readValues: make(map[int][]byte),
		rmws:       make(map[int]Status),
	}
}

func (f *counterFunctions) SingleReader(_ []byte, _ int64, value []byte, out *[]byte) {
	*out = append([]byte(nil), value...)
}

func (f *counterFunctions) ConcurrentReader(_ []byte, _ int64, value []byte, out *[]byte) {
	*out = append([]byte(nil), value...)
}

func (f *counterFunctions) InitialUpdater(_ []byte, delta int64, out *[]byte) []byte {
	*out = util.EncodeInt64(delta)
	return util.EncodeInt64(delta)
}

func (f *counterFunctions) InPlaceUpdater(_ []byte, delta int64, value []byte, out *[]byte) bool {
	if len(value) != 8 {
		return false
	}
	n := util.DecodeInt64(value) + delta
	util.PutInt64(value, n)
	*out = util.EncodeInt64(n)
	return true
}

func (f *counterFunctions) CopyUpdater(_ []byte, delta int64, old []byte, out *[]byte) []byte {
	n := util.DecodeInt64(old) + delta
	*out = util.EncodeInt64(n)
	return util.EncodeInt64(n)
}

func (f *counterFunctions) ReadCompletionCallback(_ []byte, _ int64, out []byte, ctx int, st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[ctx] = st
	f.readValues[ctx] = out
}

func (f *counterFunctions) RMWCompletionCallback(_ []byte, _ int64, _ []byte, ctx int, st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rmws[ctx] = st
}

func (f *counterFunctions) UpsertCompletionCallback([]byte, []byte, int, Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
}

func (f *counterFunctions) DeleteCompletionCallback([]byte, int, Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
}

func (f *counterFunctions) CheckpointCompletionCallback(_ string, cp common.CommitPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, cp)
}

func (f *counterFunctions) completedCheckpoints() []common.CommitPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.CommitPoint(nil), f.checkpoints...)
}

type testStore = Store[int64, []byte, int]
type testSession = Session[int64, []byte, int]

// smallLog keeps only a few pages in memory so tests reach the device quickly
func smallLog() hlog.Options {
	return hlog.Options{PageBits: 4, MemoryPages: 8, MutablePages: 4, MaxPages: 1 << 14}
}

func newTestStore(t *testing.T, dir string) *testStore {
	t.Helper()
	opts := DefaultOptions()
	opts.Dir = dir
	opts.Log = smallLog()
	opts.IndexSizeHint = 64
	opts.PhaseTimeout = 30 * time.Second
	s, err := New[int64, []byte, int](opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *testStore, fns *counterFunctions, opts ...SessionOption) *testSession {
	t.Helper()
	sess, err := s.NewSession(fns, opts...)
	require.NoError(t, err)
	return sess
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%04d", i))
}

// readSync reads key and resolves a pending read
func readSync(t *testing.T, sess *testSession, k []byte) ([]byte, Status) {
	t.Helper()
	out, st, err := sess.ReadAsync(context.Background(), k, 0, 0)
	require.NoError(t, err)
	return out, st
}

func counterOf(t *testing.T, sess *testSession, k []byte) int64 {
	t.Helper()
	out, st := readSync(t, sess, k)
	require.Equal(t, OK, st, "key %s", k)
	return util.DecodeInt64(out)
}

func waitCheckpoint(t *testing.T, s *testStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.CompleteCheckpointAsync(ctx))
}
