package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointAfterOutOfMemoryRecovers(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Dir = dir
	opts.Log = hlog.Options{PageBits: 2, MemoryPages: 4, MutablePages: 2, MaxPages: 8}
	opts.IndexSizeHint = 64
	opts.PhaseTimeout = 30 * time.Second

	s, err := New[int64, []byte, int](opts)
	require.NoError(t, err)
	sess := newTestSession(t, s, newCounterFunctions())

	var stored, failed []int
	for i := 0; i < 40; i++ {
		_, err := sess.Upsert(key(i), key(i), 0)
		switch {
		case err == nil:
			stored = append(stored, i)
		case errors.Is(err, hlog.ErrOutOfMemory):
			failed = append(failed, i)
		default:
			require.NoError(t, err)
		}
	}
	require.NotEmpty(t, failed, "the log must run out of memory")
	assert.LessOrEqual(t, s.Log().TailAddress(), hlog.Address(8<<2))

	token, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	idx, err := s.Checkpoints().ReadIndexInfo(token)
	require.NoError(t, err)
	lg, err := s.Checkpoints().ReadLogInfo(token)
	require.NoError(t, err)
	assert.LessOrEqual(t, idx.FinalAddress, lg.FinalAddress)

	require.NoError(t, sess.Dispose())
	require.NoError(t, s.Close())

	s2, err := New[int64, []byte, int](opts)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Recover(token))

	sess2 := newTestSession(t, s2, newCounterFunctions())
	defer sess2.Dispose()
	for _, i := range stored {
		out, st := readSync(t, sess2, key(i))
		require.Equal(t, OK, st, "key %d", i)
		assert.Equal(t, key(i), out)
	}
	for _, i := range failed {
		_, st := readSync(t, sess2, key(i))
		assert.Equal(t, NotFound, st, "key %d", i)
	}
}

func TestIndexCheckpointAfterLogCheckpointIsNotCombined(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	sess := newTestSession(t, s, newCounterFunctions(), WithSessionID("writer"))

	for i := 0; i < 20; i++ {
		_, _, err := sess.RMW(key(i%4), 1, 0)
		require.NoError(t, err)
	}
	full, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	// no writes in between: both halves end at the same address
	indexOnly, ok := s.TakeIndexCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)

	require.NoError(t, sess.Dispose())
	require.NoError(t, s.Close())

	mixed := newTestStore(t, dir)
	assert.ErrorIs(t, mixed.RecoverFrom(indexOnly, full), ErrIncompatibleCheckpoints)
	require.NoError(t, mixed.Close())

	s2 := newTestStore(t, dir)
	token, err := s2.RecoverLatest()
	require.NoError(t, err)
	assert.Equal(t, full, token, "the index of the newer version must be skipped")

	sess2 := newTestSession(t, s2, newCounterFunctions())
	defer sess2.Dispose()
	for i := 0; i < 4; i++ {
		assert.Equal(t, int64(5), counterOf(t, sess2, key(i)))
	}
}

func TestRMWContentionDuringCheckpointsAndEviction(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	const (
		workers = 8
		updates = 1000
		keys    = 4
	)

	stop := make(chan struct{})
	background := make(chan error, 1)
	go func() {
		defer close(background)
		for round := 0; ; round++ {
			select {
			case <-stop:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			var err error
			if round%2 == 0 {
				if _, ok := s.TakeFullCheckpoint(); ok {
					err = s.CompleteCheckpointAsync(ctx)
				}
			} else {
				err = s.FlushAndEvict(ctx)
			}
			cancel()
			if err != nil {
				background <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		sess := newTestSession(t, s, newCounterFunctions())
		wg.Add(1)
		go func(sess *testSession) {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				if _, _, err := sess.RMW(key(i%keys), 1, i); err != nil {
					errs <- err
					return
				}
				if i%100 == 0 {
					if _, err := sess.CompletePending(false, false); err != nil {
						errs <- err
						return
					}
				}
			}
			if _, err := sess.CompletePending(true, false); err != nil {
				errs <- err
				return
			}
			errs <- sess.Dispose()
		}(sess)
	}
	wg.Wait()
	close(stop)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for err := range background {
		require.NoError(t, err)
	}

	sumOf := func(s *testStore) int64 {
		sess := newTestSession(t, s, newCounterFunctions())
		defer sess.Dispose()
		var sum int64
		for i := 0; i < keys; i++ {
			sum += counterOf(t, sess, key(i))
		}
		return sum
	}
	assert.Equal(t, int64(workers*updates), sumOf(s), "no increment may be lost")

	token, ok := s.TakeFullCheckpoint()
	require.True(t, ok)
	waitCheckpoint(t, s)
	require.NoError(t, s.Close())

	s2 := newTestStore(t, dir)
	require.NoError(t, s2.Recover(token))
	assert.Equal(t, int64(workers*updates), sumOf(s2), "the checkpoint holds every increment")
}
