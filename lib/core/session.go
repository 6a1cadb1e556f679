package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/ValentinKolb/hKV/lib/epoch"
	"github.com/google/uuid"
)

// SessionOption configures a new session
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	id          string
	affinitized bool
}

// WithSessionID names the session. Names are needed to resume a session
// after recovery, a random one is used otherwise.
func WithSessionID(id string) SessionOption {
	return func(c *sessionConfig) { c.id = id }
}

// WithThreadAffinity makes the session hold epoch protection from creation
// to Dispose. The owner must call Refresh regularly and must not use the
// async variants.
func WithThreadAffinity() SessionOption {
	return func(c *sessionConfig) { c.affinitized = true }
}

// Session is a client's handle on the store. Operations of one session are
// numbered with serial numbers and executed in order.
//
// Thread-safety: a session must be used by one goroutine at a time. The
// checkpoint coordinator may act on behalf of an idle session.
type Session[I, O, C any] struct {
	id          string
	store       *Store[I, O, C]
	fns         Functions[I, O, C]
	locker      RecordLocker
	affinitized bool

	// mu is held for the duration of every call
	mu    sync.Mutex
	guard *epoch.Guard
	ctx   *ExecutionContext[I, O, C]
	// acked is the last SystemState the session acknowledged
	acked atomic.Uint64
	// nextSerial is set by SetSerialNum, 0 means auto increment
	nextSerial int64
	// inflight is the operation being driven, it is excluded from a commit
	// point taken while it runs
	inflight   *PendingContext[I, O, C]
	catchingUp bool

	completions *util.MPSCQueue[ioResult[I, O, C]]
	// ready holds completions received while waiting but not processed yet
	ready   []*ioResult[I, O, C]
	outputs []CompletedOutput[I, O, C]
	collect bool

	commitPoint common.CommitPoint
	// calledBack is the token of the last checkpoint reported to fns
	calledBack common.Token
	disposed   bool
}

// NewSession opens a session
func (s *Store[I, O, C]) NewSession(fns Functions[I, O, C], opts ...SessionOption) (*Session[I, O, C], error) {
	cfg := sessionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	return s.openSession(fns, cfg, common.CommitPoint{})
}

// ResumeSession reopens a session of the recovered checkpoint. It returns
// the session's commit point: operations up to it (minus the excluded ones)
// survived, everything after has to be re-issued.
func (s *Store[I, O, C]) ResumeSession(fns Functions[I, O, C], id string, opts ...SessionOption) (*Session[I, O, C], common.CommitPoint, error) {
	s.sessionsMu.Lock()
	cp, ok := s.recovered[id]
	s.sessionsMu.Unlock()
	if !ok {
		return nil, common.CommitPoint{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	cfg := sessionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.id = id
	sess, err := s.openSession(fns, cfg, cp)
	if err != nil {
		return nil, common.CommitPoint{}, err
	}

	s.sessionsMu.Lock()
	delete(s.recovered, id)
	s.sessionsMu.Unlock()

	Logger.Infof("session %s resumed at %s", id, cp)
	return sess, cp, nil
}

func (s *Store[I, O, C]) openSession(fns Functions[I, O, C], cfg sessionConfig, cp common.CommitPoint) (*Session[I, O, C], error) {
	guard, err := s.epoch.Register()
	if err != nil {
		return nil, err
	}
	sess := &Session[I, O, C]{
		id:          cfg.id,
		store:       s,
		fns:         fns,
		affinitized: cfg.affinitized,
		guard:       guard,
		completions: util.NewMPSCQueue[ioResult[I, O, C]](),
		commitPoint: cp,
	}
	if l, ok := fns.(RecordLocker); ok {
		sess.locker = l
	}

	// the coordinator may help the session as soon as it is registered
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.register(sess, cp.UntilSerialNo); err != nil {
		guard.Release()
		sess.completions.Abort()
		return nil, err
	}
	if sess.affinitized {
		guard.Protect()
	}
	Logger.Debugf("session %s opened (affinitized=%t)", sess.id, sess.affinitized)
	return sess, nil
}

// ID returns the session id
func (s *Session[I, O, C]) ID() string { return s.id }

// Version returns the version the session currently runs at
func (s *Session[I, O, C]) Version() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.version
}

// SerialNum returns the serial number of the last operation
func (s *Session[I, O, C]) SerialNum() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.serialNum
}

// CommitPoint returns the commit point of the last checkpoint that
// contained the session
func (s *Session[I, O, C]) CommitPoint() common.CommitPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitPoint
}

// SetSerialNum sets the serial number of the next operation. Serial
// numbers must increase.
func (s *Session[I, O, C]) SetSerialNum(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrSessionDisposed
	}
	if n <= s.ctx.serialNum {
		return ErrSerialRegression
	}
	s.nextSerial = n
	return nil
}

func (s *Session[I, O, C]) takeSerial() int64 {
	serial := s.ctx.serialNum + 1
	if s.nextSerial > 0 {
		serial = s.nextSerial
		s.nextSerial = 0
	}
	s.ctx.serialNum = serial
	return serial
}

// --------------------------------------------------------------------------
// Call protocol
// --------------------------------------------------------------------------

// enter starts a call: locks the session, protects the epoch of relaxed
// sessions and catches up with the global state
func (s *Session[I, O, C]) enter() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	if !s.affinitized {
		s.guard.Protect()
	}
	s.catchUp()
	return nil
}

func (s *Session[I, O, C]) exit() {
	if !s.affinitized {
		s.guard.Unprotect()
	}
	s.mu.Unlock()
}

// Refresh re-announces the epoch, catches up with checkpoint phases and
// processes finished I/O without blocking. Affinitized sessions must call
// it regularly, for relaxed sessions it is optional.
func (s *Session[I, O, C]) Refresh() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()
	s.guard.Refresh()
	s.catchUp()
	s.completeReady()
	return nil
}

// Dispose completes all pending operations and closes the session
func (s *Session[I, O, C]) Dispose() error {
	if _, err := s.CompletePending(true, false); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrSessionDisposed
	}
	s.disposed = true
	s.store.unregister(s)
	s.guard.Release()
	s.completions.Abort()
	Logger.Debugf("session %s disposed at serial %d", s.id, s.ctx.serialNum)
	return nil
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Read looks up key. On Pending the output is delivered by
// ReadCompletionCallback once CompletePending runs.
func (s *Session[I, O, C]) Read(key []byte, input I, userCtx C) (O, Status, error) {
	return s.run(&PendingContext[I, O, C]{kind: opRead, key: key, input: input, userCtx: userCtx})
}

// Upsert blindly writes value
func (s *Session[I, O, C]) Upsert(key, value []byte, userCtx C) (Status, error) {
	_, st, err := s.run(&PendingContext[I, O, C]{kind: opUpsert, key: key, value: value, userCtx: userCtx})
	return st, err
}

// RMW atomically updates the value of key with the updater callbacks
func (s *Session[I, O, C]) RMW(key []byte, input I, userCtx C) (O, Status, error) {
	return s.run(&PendingContext[I, O, C]{kind: opRMW, key: key, input: input, userCtx: userCtx})
}

// Delete removes key
func (s *Session[I, O, C]) Delete(key []byte, userCtx C) (Status, error) {
	_, st, err := s.run(&PendingContext[I, O, C]{kind: opDelete, key: key, userCtx: userCtx})
	return st, err
}

// ReadAsync is Read that waits for a pending result without holding the epoch
func (s *Session[I, O, C]) ReadAsync(ctx context.Context, key []byte, input I, userCtx C) (O, Status, error) {
	return s.runAsync(ctx, &PendingContext[I, O, C]{kind: opRead, key: key, input: input, userCtx: userCtx})
}

// UpsertAsync is Upsert that waits for a pending result
func (s *Session[I, O, C]) UpsertAsync(ctx context.Context, key, value []byte, userCtx C) (Status, error) {
	_, st, err := s.runAsync(ctx, &PendingContext[I, O, C]{kind: opUpsert, key: key, value: value, userCtx: userCtx})
	return st, err
}

// RMWAsync is RMW that waits for a pending result
func (s *Session[I, O, C]) RMWAsync(ctx context.Context, key []byte, input I, userCtx C) (O, Status, error) {
	return s.runAsync(ctx, &PendingContext[I, O, C]{kind: opRMW, key: key, input: input, userCtx: userCtx})
}

// DeleteAsync is Delete that waits for a pending result
func (s *Session[I, O, C]) DeleteAsync(ctx context.Context, key []byte, userCtx C) (Status, error) {
	_, st, err := s.runAsync(ctx, &PendingContext[I, O, C]{kind: opDelete, key: key, userCtx: userCtx})
	return st, err
}

func (s *Session[I, O, C]) run(pc *PendingContext[I, O, C]) (O, Status, error) {
	if err := s.enter(); err != nil {
		var zero O
		return zero, Error, err
	}
	defer s.exit()

	pc.hash = s.store.index.Hash(pc.key)
	pc.serialNo = s.takeSerial()
	st, err := s.drive(pc, s.dispatch(pc))
	status := toStatus(st, err)
	s.store.metrics.op(pc.kind, status)
	return pc.output, status, err
}

func (s *Session[I, O, C]) runAsync(ctx context.Context, pc *PendingContext[I, O, C]) (O, Status, error) {
	var zero O
	if s.affinitized {
		return zero, Error, ErrAffinitizedAsync
	}
	pc.waiter = make(chan opResult[O], 1)
	out, st, err := s.run(pc)
	if st != Pending {
		return out, st, err
	}
	res, err := s.await(ctx, pc)
	if err != nil {
		return zero, Pending, err
	}
	return res.output, res.status, res.err
}

// drive resolves retry statuses until the operation finished or was queued
func (s *Session[I, O, C]) drive(pc *PendingContext[I, O, C], st opStatus) (opStatus, error) {
	outer := s.inflight
	s.inflight = pc
	defer func() { s.inflight = outer }()
	for {
		switch st {
		case opRetryNow:
			s.store.metrics.retryNow.Inc()
			runtime.Gosched()
		case opCPRShiftDetected:
			s.store.metrics.cprShifts.Inc()
			s.guard.Refresh()
			s.catchUp()
		case opRetryLater:
			pc.detach()
			s.ctx.retry = append(s.ctx.retry, pc)
			s.store.metrics.retryLater.Inc()
			return opPending, nil
		case opAsyncIOPending:
			s.issueIO(pc)
			s.store.metrics.pending.Inc()
			return opPending, nil
		case opOutOfMemory:
			Logger.Warningf("%s failed with %s: %v", pc.kind, st, pc.err)
			return st, pc.err
		default:
			return st, nil
		}
		st = s.dispatch(pc)
	}
}
