package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint"
	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointAndRecover(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	fns := newCounterFunctions()
	sess := newTestSession(t, s, fns, WithSessionID("writer"))

	for i := 0; i < 100; i++ {
		_, err := sess.Upsert(key(i), key(i), 0)
		require.NoError(t, err)
		_, _, err = sess.RMW([]byte("counter"), 1, 0)
		require.NoError(t, err)
	}

	token, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	assert.Equal(t, SystemState{Phase: PhaseRest, Version: FirstVersion + 1}, s.SystemState())
	assert.Equal(t, int64(200), sess.CommitPoint().UntilSerialNo)
	require.Len(t, fns.completedCheckpoints(), 1)
	assert.Equal(t, common.CommitPoint{UntilSerialNo: 200}, fns.completedCheckpoints()[0])
	assert.Equal(t, FirstVersion+1, sess.Version())

	// not part of the checkpoint
	_, err := sess.Upsert(key(0), []byte("changed"), 0)
	require.NoError(t, err)
	require.NoError(t, sess.Dispose())
	require.NoError(t, s.Close())

	s2 := newTestStore(t, dir)
	require.NoError(t, s2.Recover(token))
	assert.Equal(t, FirstVersion+1, s2.SystemState().Version)
	assert.Contains(t, s2.RecoveredSessions(), "writer")

	sess2, cp, err := s2.ResumeSession(newCounterFunctions(), "writer")
	require.NoError(t, err)
	defer sess2.Dispose()
	assert.Equal(t, int64(200), cp.UntilSerialNo)
	assert.Equal(t, int64(200), sess2.SerialNum())

	for i := 0; i < 100; i++ {
		out, st := readSync(t, sess2, key(i))
		require.Equal(t, OK, st)
		require.Equal(t, key(i), out)
	}
	assert.Equal(t, int64(100), counterOf(t, sess2, []byte("counter")))

	// the store keeps working after recovery
	_, _, err = sess2.RMW([]byte("counter"), 1, 0)
	require.NoError(t, err)
	_, err = sess2.CompletePending(true, false)
	require.NoError(t, err)
	assert.Equal(t, int64(101), counterOf(t, sess2, []byte("counter")))
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	sess := newTestSession(t, s, newCounterFunctions())
	for i := 0; i < 300; i++ {
		_, _, err := sess.RMW(key(i%30), int64(i), 0)
		require.NoError(t, err)
	}
	_, err := sess.CompletePending(true, false)
	require.NoError(t, err)
	token, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)
	require.NoError(t, sess.Dispose())
	require.NoError(t, s.Close())

	recoverAndRead := func(write bool) map[string]int64 {
		st := newTestStore(t, dir)
		latest, err := st.RecoverLatest()
		require.NoError(t, err)
		require.Equal(t, token, latest)

		sess := newTestSession(t, st, newCounterFunctions())
		values := make(map[string]int64)
		for i := 0; i < 30; i++ {
			values[string(key(i))] = counterOf(t, sess, key(i))
		}
		if write {
			// lost, no checkpoint follows
			for i := 0; i < 30; i++ {
				_, _, err := sess.RMW(key(i), 1000, 0)
				require.NoError(t, err)
			}
			_, err := sess.CompletePending(true, false)
			require.NoError(t, err)
		}
		require.NoError(t, sess.Dispose())
		require.NoError(t, st.Close())
		return values
	}

	first := recoverAndRead(true)
	second := recoverAndRead(false)
	assert.Equal(t, first, second)

	var sum int64
	for _, v := range first {
		sum += v
	}
	assert.Equal(t, int64(299*300/2), sum)
}

func TestRecoverErrors(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	_, err := s.RecoverLatest()
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	sess := newTestSession(t, s, newCounterFunctions())
	_, err = sess.Upsert([]byte("k"), []byte("v"), 0)
	require.NoError(t, err)
	token, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	assert.ErrorIs(t, s.Recover(token), ErrRecoverAfterSessions)
	require.NoError(t, sess.Dispose())

	assert.Error(t, s.Recover(common.NewToken()))
}

func TestSeparateIndexAndLogCheckpoints(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	sess := newTestSession(t, s, newCounterFunctions())

	for i := 0; i < 50; i++ {
		_, err := sess.Upsert(key(i), []byte("before"), 0)
		require.NoError(t, err)
	}
	indexToken, ok := s.TakeIndexCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)
	assert.Equal(t, FirstVersion, s.SystemState().Version, "an index checkpoint keeps the version")

	// written after the index checkpoint, found by replaying the log
	for i := 50; i < 100; i++ {
		_, err := sess.Upsert(key(i), []byte("after"), 0)
		require.NoError(t, err)
	}
	_, err := sess.Delete(key(0), 0)
	require.NoError(t, err)

	logToken, ok := s.TakeHybridLogCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)
	assert.Equal(t, FirstVersion+1, s.SystemState().Version)

	// an index newer than the log can not be combined with it
	_, err = sess.Upsert([]byte("more"), []byte("x"), 0)
	require.NoError(t, err)
	laterIndex, ok := s.TakeIndexCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	require.NoError(t, sess.Dispose())
	require.NoError(t, s.Close())

	bad := newTestStore(t, dir)
	assert.ErrorIs(t, bad.RecoverFrom(laterIndex, logToken), ErrIncompatibleCheckpoints)
	require.NoError(t, bad.Close())

	s2 := newTestStore(t, dir)
	require.NoError(t, s2.RecoverFrom(indexToken, logToken))
	sess2 := newTestSession(t, s2, newCounterFunctions())
	defer sess2.Dispose()

	_, st := readSync(t, sess2, key(0))
	assert.Equal(t, NotFound, st)
	for i := 1; i < 100; i++ {
		out, st := readSync(t, sess2, key(i))
		require.Equal(t, OK, st, "key %d", i)
		if i < 50 {
			assert.Equal(t, []byte("before"), out)
		} else {
			assert.Equal(t, []byte("after"), out)
		}
	}
}

func TestCheckpointRejectedWhileRunning(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	sess := newTestSession(t, s, newCounterFunctions())
	defer sess.Dispose()

	// a busy session holds the checkpoint in its first phase
	sess.mu.Lock()
	_, ok := s.TakeFullCheckpoint()
	require.True(t, ok)

	_, ok = s.TakeHybridLogCheckpoint()
	assert.False(t, ok)
	grown, err := s.GrowIndex(context.Background())
	require.NoError(t, err)
	assert.False(t, grown)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.CompleteCheckpointAsync(ctx), context.DeadlineExceeded)

	sess.mu.Unlock()
	waitCheckpoint(t, s)
	_, ok = s.TakeIndexCheckpoint()
	assert.True(t, ok)
	waitCheckpoint(t, s)
}

func TestPendingOperationsAreExcludedFromCommitPoint(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	fns := newCounterFunctions()
	sess := newTestSession(t, s, fns)
	defer sess.Dispose()

	_, err := sess.Upsert([]byte("k"), []byte("v"), 0)
	require.NoError(t, err)
	evict(t, s)

	_, st, err := sess.Read([]byte("k"), 0, 7)
	require.NoError(t, err)
	require.Equal(t, Pending, st)
	pendingSerial := sess.SerialNum()
	_, err = sess.Upsert([]byte("other"), []byte("v"), 0)
	require.NoError(t, err)

	_, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	cp := sess.CommitPoint()
	assert.Equal(t, pendingSerial+1, cp.UntilSerialNo)
	assert.Equal(t, []int64{pendingSerial}, cp.ExcludedSerialNos)
	assert.False(t, cp.Covers(pendingSerial))
	assert.True(t, cp.Covers(pendingSerial+1))

	// the read was completed while draining the old version
	fns.mu.Lock()
	assert.Equal(t, OK, fns.reads[7])
	fns.mu.Unlock()
}

func TestCheckpointWithAffinitizedSession(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	sess := newTestSession(t, s, newCounterFunctions(), WithThreadAffinity(), WithSessionID("pinned"))
	defer sess.Dispose()

	for i := 0; i < 10; i++ {
		_, err := sess.Upsert(key(i), []byte("v"), 0)
		require.NoError(t, err)
	}
	_, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	require.NoError(t, sess.Refresh())
	assert.Equal(t, FirstVersion+1, sess.Version())
	assert.Equal(t, int64(10), sess.CommitPoint().UntilSerialNo)
}

func TestWaitForCommitAsync(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	sess := newTestSession(t, s, newCounterFunctions())
	defer sess.Dispose()

	for i := 0; i < 10; i++ {
		_, err := sess.Upsert(key(i), []byte("v"), 0)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	committed := make(chan error, 1)
	go func() { committed <- sess.WaitForCommitAsync(ctx) }()

	select {
	case err := <-committed:
		t.Fatalf("commit reported before any checkpoint: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := s.TakeHybridLogCheckpoint()
	require.True(t, ok)
	require.NoError(t, <-committed)
	assert.True(t, sess.CommitPoint().CoversAll(10))
}

func TestCompletePendingWaitsForCommit(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	sess := newTestSession(t, s, newCounterFunctions())
	defer sess.Dispose()

	_, err := sess.Upsert([]byte("k"), []byte("v"), 0)
	require.NoError(t, err)
	_, ok := s.TakeFullCheckpoint()
	require.True(t, ok)

	done, err := sess.CompletePending(true, true)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, PhaseRest, s.SystemState().Phase)
	waitCheckpoint(t, s)
}

func TestGrowIndex(t *testing.T) {
	s := newTestStore(t, "")
	sess := newTestSession(t, s, newCounterFunctions())
	defer sess.Dispose()

	for i := 0; i < 500; i++ {
		_, err := sess.Upsert(key(i), key(i), 0)
		require.NoError(t, err)
	}
	version := s.SystemState().Version

	grown, err := s.GrowIndex(context.Background())
	require.NoError(t, err)
	require.True(t, grown)
	assert.Equal(t, int64(1), s.Index().Growths())
	assert.Equal(t, SystemState{Phase: PhaseRest, Version: version}, s.SystemState())

	for i := 0; i < 500; i++ {
		out, st := readSync(t, sess, key(i))
		require.Equal(t, OK, st)
		require.Equal(t, key(i), out)
	}
	_, err = sess.Upsert([]byte("new"), []byte("v"), 0)
	require.NoError(t, err)
	assert.Equal(t, 501, s.EntryCount())
}

// Every operation issued while checkpoints run reaches a terminal status
// exactly once and no increment is lost.
func TestCheckpointNonInterference(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	const (
		workers  = 4
		ops      = 1500
		counters = 8
	)

	type result struct {
		fns      *counterFunctions
		syncDone int
		rmws     int
		err      error
	}
	results := make([]result, workers)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < workers; w++ {
		fns := newCounterFunctions()
		sess := newTestSession(t, s, fns)
		results[w].fns = fns
		wg.Add(1)
		go func(w int, sess *testSession) {
			defer wg.Done()
			res := &results[w]
			for i := 0; i < ops; i++ {
				var st Status
				var err error
				if i%3 == 0 {
					st, err = sess.Upsert(key(1000+w*ops+i), []byte("filler"), i)
				} else {
					_, st, err = sess.RMW(key(i%counters), 1, i)
					res.rmws++
				}
				if err != nil {
					res.err = err
					return
				}
				if st != Pending {
					res.syncDone++
				}
			}
			if _, err := sess.CompletePending(true, false); err != nil {
				res.err = err
				return
			}
			res.err = sess.Dispose()
		}(w, sess)
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := s.TakeFullCheckpoint(); ok {
				_ = s.CompleteCheckpointAsync(context.Background())
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	wg.Wait()
	close(stop)
	waitCheckpoint(t, s)

	total := 0
	for _, res := range results {
		require.NoError(t, res.err)
		res.fns.mu.Lock()
		done := res.syncDone + len(res.fns.rmws) + res.fns.upserts
		for _, st := range res.fns.rmws {
			assert.Equal(t, OK, st)
		}
		cps := append([]common.CommitPoint(nil), res.fns.checkpoints...)
		res.fns.mu.Unlock()

		assert.Equal(t, ops, done, "every operation completes exactly once")
		for i := 1; i < len(cps); i++ {
			assert.GreaterOrEqual(t, cps[i].UntilSerialNo, cps[i-1].UntilSerialNo)
		}
		total += res.rmws
	}

	sess := newTestSession(t, s, newCounterFunctions())
	defer sess.Dispose()
	var sum int64
	for i := 0; i < counters; i++ {
		sum += counterOf(t, sess, key(i))
	}
	assert.Equal(t, int64(total), sum)
}

func TestCheckpointFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	sess := newTestSession(t, s, newCounterFunctions())
	defer sess.Dispose()

	// a session that never acknowledges makes the phase time out
	s.opts.PhaseTimeout = 20 * time.Millisecond
	sess.mu.Lock()
	_, ok := s.TakeIndexCheckpoint()
	require.True(t, ok)
	err := s.CompleteCheckpointAsync(context.Background())
	sess.mu.Unlock()

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, PhaseRest, s.SystemState().Phase)

	s.opts.PhaseTimeout = 0
	_, ok = s.TakeIndexCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)
}
