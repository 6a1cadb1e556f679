package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/checkpoint"
	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/checkpoint/serializer"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/ValentinKolb/hKV/lib/epoch"
	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/ValentinKolb/hKV/lib/index"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("core")

// FirstVersion is the version of a store that was never checkpointed
const FirstVersion uint32 = 1

// Store is a concurrent key-value store over a hash index and a hybrid log.
// All access goes through sessions, the store itself only owns the shared
// structures and drives checkpoints.
//
// Thread-safety: all methods are safe for concurrent use.
type Store[I, O, C any] struct {
	opts        Options
	epoch       *epoch.Manager
	log         *hlog.Log
	index       *index.Index
	checkpoints *checkpoint.Manager

	// state is the packed SystemState
	state atomic.Uint64

	// sessionsMu guards the registry and every state transition, so a
	// session always registers at a well defined phase
	sessionsMu sync.Mutex
	sessions   map[string]*Session[I, O, C]
	// recovered holds commit points of sessions not resumed yet
	recovered map[string]common.CommitPoint

	// run is the active checkpoint or resize, nil at rest
	run      atomic.Pointer[checkpointRun]
	runMu    sync.Mutex
	runDone  chan struct{}
	lastErr  error
	commitMu sync.Mutex
	commitCh chan struct{}

	metrics *storeMetrics
	closed  atomic.Bool
}

// New creates an empty store. A store with a checkpoint directory may be
// recovered with one of the Recover methods before the first session is created.
func New[I, O, C any](opts Options) (*Store[I, O, C], error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	em := epoch.NewManager(opts.MaxSessions + 1)
	log, err := hlog.New(em, opts.Log)
	if err != nil {
		return nil, err
	}

	seed := opts.HashSeed
	if seed == 0 {
		seed = util.GenerateSeed()
	}

	s := &Store[I, O, C]{
		opts:      opts,
		epoch:     em,
		log:       log,
		index:     index.New(opts.IndexSizeHint, seed),
		sessions:  make(map[string]*Session[I, O, C]),
		recovered: make(map[string]common.CommitPoint),
		commitCh:  make(chan struct{}),
	}

	if opts.Dir != "" {
		ser, err := serializer.ByName(opts.CheckpointFormat)
		if err != nil {
			_ = log.Close()
			return nil, err
		}
		if s.checkpoints, err = checkpoint.NewManager(opts.Dir, ser); err != nil {
			_ = log.Close()
			return nil, err
		}
	}

	s.state.Store(SystemState{Phase: PhaseRest, Version: FirstVersion}.word())
	s.metrics = newStoreMetrics(s)
	Logger.Infof("store created (dir=%q, page bits=%d, memory pages=%d)", opts.Dir, opts.Log.PageBits, opts.Log.MemoryPages)
	return s, nil
}

// SystemState returns the global phase and version
func (s *Store[I, O, C]) SystemState() SystemState {
	return stateFromWord(s.state.Load())
}

// Log returns the hybrid log
func (s *Store[I, O, C]) Log() *hlog.Log { return s.log }

// Index returns the hash index
func (s *Store[I, O, C]) Index() *index.Index { return s.index }

// Checkpoints returns the checkpoint manager, nil for volatile stores
func (s *Store[I, O, C]) Checkpoints() *checkpoint.Manager { return s.checkpoints }

// EntryCount returns the number of hash chains
func (s *Store[I, O, C]) EntryCount() int { return s.index.Size() }

// SessionCount returns the number of open sessions
func (s *Store[I, O, C]) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// RecoveredSessions returns the ids of sessions that can be resumed
func (s *Store[I, O, C]) RecoveredSessions() map[string]common.CommitPoint {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make(map[string]common.CommitPoint, len(s.recovered))
	for id, cp := range s.recovered {
		out[id] = cp
	}
	return out
}

// FlushAndEvict writes the whole log to the device and drops it from
// memory. Must not be called while holding a session call.
func (s *Store[I, O, C]) FlushAndEvict(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.helpWhile(ctx, s.log.FlushAndEvict)
}

// Close waits for a running checkpoint and closes the log. Sessions still
// open are left dangling and fail on their next call.
func (s *Store[I, O, C]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.CompleteCheckpointAsync(context.Background())

	if n := s.SessionCount(); n > 0 {
		Logger.Warningf("closing store with %d open sessions", n)
	}
	if err := s.log.Close(); err != nil {
		return fmt.Errorf("core: failed to close log: %w", err)
	}
	Logger.Infof("store closed")
	return nil
}

// --------------------------------------------------------------------------
// Session registry
// --------------------------------------------------------------------------

// register adds a session at the current state. It runs under sessionsMu so
// the coordinator never publishes a phase the session did not see.
func (s *Store[I, O, C]) register(sess *Session[I, O, C], serial int64) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, ok := s.sessions[sess.id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.id)
	}
	if len(s.sessions) >= s.opts.MaxSessions {
		return epoch.ErrTableFull
	}

	state := s.SystemState()
	sess.ctx = newExecutionContext[I, O, C](state.Version, serial)
	sess.acked.Store(state.word())
	s.sessions[sess.id] = sess
	return nil
}

func (s *Store[I, O, C]) unregister(sess *Session[I, O, C]) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess.id)
}

// snapshotSessions returns the open sessions
func (s *Store[I, O, C]) snapshotSessions() []*Session[I, O, C] {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*Session[I, O, C], 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// setState publishes a new global state
func (s *Store[I, O, C]) setState(next SystemState) {
	s.sessionsMu.Lock()
	s.state.Store(next.word())
	s.sessionsMu.Unlock()
	Logger.Debugf("state %s", next)
}

// casState moves from expected to next, failing if the state changed
func (s *Store[I, O, C]) casState(expected, next SystemState) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if !s.state.CompareAndSwap(expected.word(), next.word()) {
		return false
	}
	Logger.Debugf("state %s", next)
	return true
}
