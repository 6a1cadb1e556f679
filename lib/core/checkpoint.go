package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/puzpuzpuz/xsync/v3"
)

type runKind uint8

const (
	runIndex runKind = 1 << iota
	runLog
	runGrow

	runFull = runIndex | runLog
)

func (k runKind) String() string {
	switch k {
	case runIndex:
		return "index"
	case runLog:
		return "log"
	case runFull:
		return "full"
	case runGrow:
		return "grow"
	default:
		return "unknown"
	}
}

// checkpointRun is the shared state of one checkpoint or index resize
type checkpointRun struct {
	kind    runKind
	token   common.Token
	started time.Time
	// commits collects the commit point every session recorded at its
	// version swap
	commits *xsync.MapOf[string, common.CommitPoint]
}

// TakeFullCheckpoint starts an index and a log checkpoint under one token.
// It returns false if a checkpoint or resize is already running.
func (s *Store[I, O, C]) TakeFullCheckpoint() (common.Token, bool) {
	return s.takeCheckpoint(runFull)
}

// TakeIndexCheckpoint starts a checkpoint of the hash index only
func (s *Store[I, O, C]) TakeIndexCheckpoint() (common.Token, bool) {
	return s.takeCheckpoint(runIndex)
}

// TakeHybridLogCheckpoint starts a checkpoint of the log only
func (s *Store[I, O, C]) TakeHybridLogCheckpoint() (common.Token, bool) {
	return s.takeCheckpoint(runLog)
}

func (s *Store[I, O, C]) takeCheckpoint(kind runKind) (common.Token, bool) {
	if s.checkpoints == nil {
		Logger.Errorf("checkpoint requested: %v", ErrCheckpointsDisabled)
		return common.NilToken, false
	}
	if s.closed.Load() {
		return common.NilToken, false
	}

	run := &checkpointRun{
		kind:    kind,
		token:   common.NewToken(),
		started: time.Now(),
		commits: xsync.NewMapOf[string, common.CommitPoint](),
	}
	first := PhasePrepare
	if kind&runIndex != 0 {
		first = PhasePrepIndexCheckpoint
	}

	cur, ok := s.startRun(run, first)
	if !ok {
		return common.NilToken, false
	}
	Logger.Debugf("%s checkpoint %s started at v%d", kind, run.token, cur.Version)
	go s.coordinate(run, cur.Version)
	return run.token, true
}

// startRun installs run and moves the store from rest to the phase first
func (s *Store[I, O, C]) startRun(run *checkpointRun, first Phase) (SystemState, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	cur := s.SystemState()
	if cur.Phase != PhaseRest || !s.run.CompareAndSwap(nil, run) {
		return cur, false
	}
	if !s.casState(cur, SystemState{Phase: first, Version: cur.Version}) {
		s.run.Store(nil)
		return cur, false
	}
	s.runDone = make(chan struct{})
	s.lastErr = nil
	return cur, true
}

// finishRun returns the store to rest and wakes everyone waiting for the run
func (s *Store[I, O, C]) finishRun(version uint32, err error) {
	s.setState(SystemState{Phase: PhaseRest, Version: version})

	s.runMu.Lock()
	s.run.Store(nil)
	s.lastErr = err
	if s.runDone != nil {
		close(s.runDone)
		s.runDone = nil
	}
	s.runMu.Unlock()
}

// CompleteCheckpointAsync waits until no checkpoint runs and returns the
// error of the last one
func (s *Store[I, O, C]) CompleteCheckpointAsync(ctx context.Context) error {
	s.runMu.Lock()
	done := s.runDone
	s.runMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastErr
}

// commitSignal returns a channel closed when the next checkpoint completes
func (s *Store[I, O, C]) commitSignal() <-chan struct{} {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.commitCh
}

func (s *Store[I, O, C]) signalCommit() {
	s.commitMu.Lock()
	close(s.commitCh)
	s.commitCh = make(chan struct{})
	s.commitMu.Unlock()
}

// --------------------------------------------------------------------------
// Coordinator
// --------------------------------------------------------------------------

func (s *Store[I, O, C]) coordinate(run *checkpointRun, v uint32) {
	version, err := s.runCheckpoint(run, v)
	if err != nil {
		s.metrics.checkpointFailures.Inc()
		Logger.Errorf("%s checkpoint %s failed: %v", run.kind, run.token, err)
	} else {
		s.metrics.checkpoints.Inc()
		s.metrics.checkpointDuration.UpdateDuration(run.started)
		Logger.Infof("%s checkpoint %s completed in %s (v%d)", run.kind, run.token, time.Since(run.started), v)
	}
	s.finishRun(version, err)
	if err == nil && run.kind&runLog != 0 {
		s.signalCommit()
	}
}

// runCheckpoint walks the phases of a checkpoint of version v. It returns
// the version the store continues at.
func (s *Store[I, O, C]) runCheckpoint(run *checkpointRun, v uint32) (uint32, error) {
	if run.kind&runIndex != 0 {
		if err := s.waitPhaseTimed(SystemState{Phase: PhasePrepIndexCheckpoint, Version: v}); err != nil {
			return v, err
		}
		if err := s.indexCheckpoint(run, v); err != nil {
			return v, err
		}
	}
	if run.kind&runLog == 0 {
		return v, nil
	}

	if run.kind&runIndex != 0 {
		s.setState(SystemState{Phase: PhasePrepare, Version: v})
	}
	if err := s.waitPhaseTimed(SystemState{Phase: PhasePrepare, Version: v}); err != nil {
		return v, err
	}

	// from here on sessions run at v+1, failures do not roll back
	next := v + 1
	for _, phase := range []Phase{PhaseInProgress, PhaseWaitPending, PhaseWaitFlush} {
		if err := s.advance(SystemState{Phase: phase, Version: next}); err != nil {
			return next, err
		}
	}
	if err := s.logCheckpoint(run, v); err != nil {
		return next, err
	}
	return next, s.advance(SystemState{Phase: PhasePersistenceCallback, Version: next})
}

func (s *Store[I, O, C]) indexCheckpoint(run *checkpointRun, v uint32) error {
	start := s.log.TailAddress()
	if err := s.advance(SystemState{Phase: PhaseIndexCheckpoint, Version: v}); err != nil {
		return err
	}
	info, err := s.checkpoints.WriteIndexCheckpoint(run.token, func(w io.Writer) (common.IndexInfo, error) {
		n, err := s.index.Checkpoint(w)
		return common.IndexInfo{
			Token:        run.token,
			Version:      v,
			StartAddress: start,
			FinalAddress: s.log.TailAddress(),
			NumEntries:   uint64(n),
			HashSeed:     s.index.Seed(),
			Created:      time.Now(),
		}, err
	})
	if err != nil {
		return fmt.Errorf("core: index checkpoint failed: %w", err)
	}
	Logger.Infof("index checkpoint %s: %d entries, addresses [%d, %d)", run.token, info.NumEntries, info.StartAddress, info.FinalAddress)
	return nil
}

func (s *Store[I, O, C]) logCheckpoint(run *checkpointRun, v uint32) error {
	ctx, cancel := s.phaseContext()
	defer cancel()
	var final hlog.Address
	err := s.helpWhile(ctx, func(ctx context.Context) (err error) {
		final, err = s.log.ShiftReadOnlyToTail(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("core: log flush failed: %w", err)
	}

	sessions := make(map[string]common.CommitPoint)
	s.sessionsMu.Lock()
	for id, cp := range s.recovered {
		sessions[id] = cp
	}
	s.sessionsMu.Unlock()
	run.commits.Range(func(id string, cp common.CommitPoint) bool {
		sessions[id] = cp
		return true
	})

	info := common.LogInfo{
		Token:        run.token,
		Version:      v,
		BeginAddress: s.log.BeginAddress(),
		FinalAddress: final,
		Sessions:     sessions,
		Created:      time.Now(),
	}
	if err := s.checkpoints.WriteLogCheckpoint(info); err != nil {
		return fmt.Errorf("core: log checkpoint failed: %w", err)
	}
	Logger.Infof("log checkpoint %s: v%d up to address %d, %d sessions", run.token, v, final, len(sessions))
	return nil
}

// advance publishes st and waits until every session acknowledged it
func (s *Store[I, O, C]) advance(st SystemState) error {
	s.setState(st)
	return s.waitPhaseTimed(st)
}

func (s *Store[I, O, C]) waitPhaseTimed(st SystemState) error {
	ctx, cancel := s.phaseContext()
	defer cancel()
	return s.waitPhase(ctx, st)
}

func (s *Store[I, O, C]) phaseContext() (context.Context, context.CancelFunc) {
	if s.opts.PhaseTimeout > 0 {
		return context.WithTimeout(context.Background(), s.opts.PhaseTimeout)
	}
	return context.WithCancel(context.Background())
}

// waitPhase waits for an epoch barrier and for every open session to
// acknowledge st. Idle sessions are caught up on their behalf.
func (s *Store[I, O, C]) waitPhase(ctx context.Context, st SystemState) error {
	barrier := make(chan struct{})
	s.epoch.BumpEpoch(func() { close(barrier) })
	barrierCh := (<-chan struct{})(barrier)

	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()
	for {
		behind := s.helpSessions(st, barrierCh == nil)
		if barrierCh == nil && behind == 0 {
			return nil
		}
		select {
		case <-barrierCh:
			barrierCh = nil
		case <-ticker.C:
			s.epoch.TryDrain()
		case <-ctx.Done():
			return fmt.Errorf("core: phase %s: %d sessions behind: %w", st, behind, ctx.Err())
		}
	}
}

// helpSessions catches up idle sessions and returns the number of sessions
// that did not acknowledge st yet
func (s *Store[I, O, C]) helpSessions(st SystemState, barrierPassed bool) int {
	behind := 0
	for _, sess := range s.snapshotSessions() {
		acked := stateFromWord(sess.acked.Load()) == st
		// affinitized sessions hold the barrier until they refresh
		if acked && (barrierPassed || !sess.affinitized) {
			continue
		}
		sess.help()
		if stateFromWord(sess.acked.Load()) != st {
			behind++
		}
	}
	return behind
}

// helpWhile runs fn and keeps refreshing idle affinitized sessions
// meanwhile, epoch actions fn waits for would stall on them otherwise
func (s *Store[I, O, C]) helpWhile(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			for _, sess := range s.snapshotSessions() {
				if sess.affinitized {
					sess.help()
				}
			}
		}
	}
}

// --------------------------------------------------------------------------
// Index resize
// --------------------------------------------------------------------------

// GrowIndex doubles the hash index capacity. It returns false if a
// checkpoint or another resize is running.
func (s *Store[I, O, C]) GrowIndex(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	run := &checkpointRun{kind: runGrow, started: time.Now()}
	cur, ok := s.startRun(run, PhasePrepareGrow)
	if !ok {
		return false, nil
	}

	s.index.BeginGrow()
	err := s.waitPhase(ctx, SystemState{Phase: PhasePrepareGrow, Version: cur.Version})
	if err != nil {
		s.index.AbortGrow()
		s.finishRun(cur.Version, err)
		return false, err
	}

	s.setState(SystemState{Phase: PhaseInProgressGrow, Version: cur.Version})
	capacity := s.index.Grow()
	s.metrics.grows.Inc()
	Logger.Infof("index resized to capacity %d in %s", capacity, time.Since(run.started))
	s.finishRun(cur.Version, nil)
	return true, nil
}
