package core

import (
	"errors"

	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/ValentinKolb/hKV/lib/index"
)

// The internal operations run on the session's current execution context
// and must be called with the session call lock held and the epoch
// protected. They return one attempt's status; drive turns it into a
// terminal status.

// --------------------------------------------------------------------------
// Record locking
// --------------------------------------------------------------------------

func (s *Session[I, O, C]) lockShared(key []byte, rec *hlog.Record) {
	if s.locker != nil {
		s.locker.LockRecord(key, false)
		return
	}
	rec.LockShared()
}

func (s *Session[I, O, C]) unlockShared(key []byte, rec *hlog.Record) {
	if s.locker != nil {
		s.locker.UnlockRecord(key, false)
		return
	}
	rec.UnlockShared()
}

func (s *Session[I, O, C]) lockExclusive(key []byte, rec *hlog.Record) {
	if s.locker != nil {
		s.locker.LockRecord(key, true)
		return
	}
	rec.LockExclusive()
}

// tryLockExclusive blocks for user lockers, they have no try variant
func (s *Session[I, O, C]) tryLockExclusive(key []byte, rec *hlog.Record) bool {
	if s.locker != nil {
		s.locker.LockRecord(key, true)
		return true
	}
	return rec.TryLockExclusive()
}

func (s *Session[I, O, C]) unlockExclusive(key []byte, rec *hlog.Record) {
	if s.locker != nil {
		s.locker.UnlockRecord(key, true)
		return
	}
	rec.UnlockExclusive()
}

// lockSource takes the exclusive lock of a record in the lockable region
// before it is updated in place or replaced. While a version change is in
// flux a newer version must not wait for an older version's lock holder.
func (s *Session[I, O, C]) lockSource(key []byte, rec *hlog.Record) (opStatus, bool) {
	phase := stateFromWord(s.acked.Load()).Phase
	if rec.Version() < s.ctx.version && (phase == PhaseInProgress || phase == PhaseWaitPending) {
		if !s.tryLockExclusive(key, rec) {
			return opRetryLater, false
		}
	} else {
		s.lockExclusive(key, rec)
	}
	if rec.IsSealed() {
		s.unlockExclusive(key, rec)
		return opRetryNow, false
	}
	return opSuccess, true
}

// --------------------------------------------------------------------------
// Chain traversal
// --------------------------------------------------------------------------

// shiftDetected reports whether the chain head belongs to a newer version
// than the session runs at
func (s *Session[I, O, C]) shiftDetected(head, headAddr hlog.Address) bool {
	if head < headAddr {
		return false
	}
	latest := s.store.log.Get(head)
	return latest != nil && latest.Version() > s.ctx.version
}

// traceBack follows the chain from addr while it is memory resident. It
// returns the first valid record of key, or nil and the address the search
// has to continue at (InvalidAddress if the chain ended).
func (s *Session[I, O, C]) traceBack(key []byte, addr, headAddr hlog.Address) (hlog.Address, *hlog.Record) {
	for addr != hlog.InvalidAddress && addr >= headAddr {
		rec := s.store.log.Get(addr)
		if rec == nil {
			return addr, nil
		}
		if !rec.IsInvalid() && rec.MatchesKey(key) {
			return addr, rec
		}
		addr = rec.PreviousAddress()
	}
	return addr, nil
}

// onDevice reports whether a chain continues below the memory resident part
func (s *Session[I, O, C]) onDevice(addr hlog.Address) bool {
	return addr != hlog.InvalidAddress && addr >= s.store.log.BeginAddress()
}

// appendRecord allocates rec and swings the chain head from head to it.
// source is the locked record being replaced, it is sealed and unlocked.
func (s *Session[I, O, C]) appendRecord(pc *PendingContext[I, O, C], entry *index.Entry, head hlog.Address, rec *hlog.Record, source *hlog.Record) opStatus {
	unlock := func() {
		if source != nil {
			s.unlockExclusive(pc.key, source)
		}
	}

	addr, err := s.store.log.Allocate(rec)
	if err != nil {
		unlock()
		pc.err = err
		if !errors.Is(err, hlog.ErrOutOfMemory) {
			pc.err = errors.Join(hlog.ErrOutOfMemory, err)
		}
		return opOutOfMemory
	}
	if !entry.CompareAndSwap(head, addr) {
		rec.SetInvalid()
		unlock()
		return opRetryNow
	}
	if source != nil {
		source.Seal()
	}
	unlock()
	return opSuccess
}

func (s *Session[I, O, C]) newRecord(pc *PendingContext[I, O, C], value []byte, prev hlog.Address) *hlog.Record {
	return hlog.NewRecord(append([]byte(nil), pc.key...), value, prev, s.ctx.version)
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

func (s *Session[I, O, C]) internalRead(pc *PendingContext[I, O, C]) opStatus {
	entry, ok := s.store.index.Find(pc.hash)
	if !ok {
		return opNotFound
	}
	log := s.store.log
	head, headAddr := entry.Load(), log.HeadAddress()
	if s.shiftDetected(head, headAddr) {
		return opCPRShiftDetected
	}

	addr, rec := s.traceBack(pc.key, head, headAddr)
	switch {
	case rec != nil && addr >= log.SafeReadOnlyAddress():
		s.lockShared(pc.key, rec)
		defer s.unlockShared(pc.key, rec)
		if rec.IsTombstone() {
			return opNotFound
		}
		s.fns.ConcurrentReader(pc.key, pc.input, rec.Value(), &pc.output)
		return opSuccess
	case rec != nil:
		if rec.IsTombstone() {
			return opNotFound
		}
		s.fns.SingleReader(pc.key, pc.input, rec.Value(), &pc.output)
		return opSuccess
	case s.onDevice(addr):
		pc.entryHead = head
		pc.address = addr
		return opAsyncIOPending
	default:
		return opNotFound
	}
}

func (s *Session[I, O, C]) internalUpsert(pc *PendingContext[I, O, C]) opStatus {
	log := s.store.log
	entry := s.store.index.FindOrCreate(pc.hash)
	head, headAddr := entry.Load(), log.HeadAddress()
	if s.shiftDetected(head, headAddr) {
		return opCPRShiftDetected
	}

	addr, rec := s.traceBack(pc.key, head, headAddr)
	if rec == nil || addr < log.SafeReadOnlyAddress() {
		return s.appendRecord(pc, entry, head, s.newRecord(pc, s.fns.SingleWriter(pc.key, pc.value), head), nil)
	}

	if st, ok := s.lockSource(pc.key, rec); !ok {
		return st
	}
	if addr >= log.ReadOnlyAddress() && rec.Version() == s.ctx.version && !rec.IsTombstone() &&
		s.fns.ConcurrentWriter(pc.key, pc.value, rec.Value()) {
		s.unlockExclusive(pc.key, rec)
		return opSuccess
	}
	return s.appendRecord(pc, entry, head, s.newRecord(pc, s.fns.SingleWriter(pc.key, pc.value), head), rec)
}

func (s *Session[I, O, C]) internalRMW(pc *PendingContext[I, O, C]) opStatus {
	log := s.store.log
	entry := s.store.index.FindOrCreate(pc.hash)
	head, headAddr := entry.Load(), log.HeadAddress()
	if s.shiftDetected(head, headAddr) {
		return opCPRShiftDetected
	}

	addr, rec := s.traceBack(pc.key, head, headAddr)
	switch {
	case rec != nil && addr >= log.SafeReadOnlyAddress():
		if st, ok := s.lockSource(pc.key, rec); !ok {
			return st
		}
		if rec.IsTombstone() {
			return s.appendRecord(pc, entry, head, s.newRecord(pc, s.fns.InitialUpdater(pc.key, pc.input, &pc.output), head), rec)
		}
		if addr >= log.ReadOnlyAddress() && rec.Version() == s.ctx.version &&
			s.fns.InPlaceUpdater(pc.key, pc.input, rec.Value(), &pc.output) {
			s.unlockExclusive(pc.key, rec)
			return opSuccess
		}
		if !s.fns.NeedCopyUpdate(pc.key, pc.input, rec.Value(), &pc.output) {
			s.unlockExclusive(pc.key, rec)
			return opSuccess
		}
		value := s.fns.CopyUpdater(pc.key, pc.input, rec.Value(), &pc.output)
		return s.appendRecord(pc, entry, head, s.newRecord(pc, value, head), rec)
	case rec != nil:
		return s.copyUpdate(pc, entry, head, rec)
	case s.onDevice(addr):
		pc.entryHead = head
		pc.address = addr
		return opAsyncIOPending
	default:
		return s.copyUpdate(pc, entry, head, nil)
	}
}

// copyUpdate appends the RMW result of an immutable (or missing) old record
func (s *Session[I, O, C]) copyUpdate(pc *PendingContext[I, O, C], entry *index.Entry, head hlog.Address, old *hlog.Record) opStatus {
	if old == nil || old.IsTombstone() {
		return s.appendRecord(pc, entry, head, s.newRecord(pc, s.fns.InitialUpdater(pc.key, pc.input, &pc.output), head), nil)
	}
	if !s.fns.NeedCopyUpdate(pc.key, pc.input, old.Value(), &pc.output) {
		return opSuccess
	}
	value := s.fns.CopyUpdater(pc.key, pc.input, old.Value(), &pc.output)
	return s.appendRecord(pc, entry, head, s.newRecord(pc, value, head), nil)
}

func (s *Session[I, O, C]) internalDelete(pc *PendingContext[I, O, C]) opStatus {
	log := s.store.log
	entry, ok := s.store.index.Find(pc.hash)
	if !ok {
		return opNotFound
	}
	head, headAddr := entry.Load(), log.HeadAddress()
	if s.shiftDetected(head, headAddr) {
		return opCPRShiftDetected
	}

	addr, rec := s.traceBack(pc.key, head, headAddr)
	switch {
	case rec != nil && addr >= log.SafeReadOnlyAddress():
		if st, ok := s.lockSource(pc.key, rec); !ok {
			return st
		}
		if rec.IsTombstone() {
			s.unlockExclusive(pc.key, rec)
			return opSuccess
		}
		if addr >= log.ReadOnlyAddress() && rec.Version() == s.ctx.version {
			rec.SetTombstone()
			s.unlockExclusive(pc.key, rec)
			return opSuccess
		}
		return s.appendRecord(pc, entry, head, s.newTombstone(pc, head), rec)
	case rec != nil:
		if rec.IsTombstone() {
			return opSuccess
		}
		return s.appendRecord(pc, entry, head, s.newTombstone(pc, head), nil)
	case s.onDevice(addr):
		// the key may live on the device, a tombstone hides it either way
		return s.appendRecord(pc, entry, head, s.newTombstone(pc, head), nil)
	default:
		return opNotFound
	}
}

func (s *Session[I, O, C]) newTombstone(pc *PendingContext[I, O, C], prev hlog.Address) *hlog.Record {
	return hlog.NewTombstone(append([]byte(nil), pc.key...), prev, s.ctx.version)
}

// --------------------------------------------------------------------------
// Continuations
// --------------------------------------------------------------------------

// continuePending finishes an operation whose device read returned rec, the
// record of the key or nil if the chain ended without one
func (s *Session[I, O, C]) continuePending(pc *PendingContext[I, O, C], rec *hlog.Record) opStatus {
	switch pc.kind {
	case opRead:
		if rec == nil || rec.IsTombstone() {
			return opNotFound
		}
		s.fns.SingleReader(pc.key, pc.input, rec.Value(), &pc.output)
		return opSuccess
	case opRMW:
		entry := s.store.index.FindOrCreate(pc.hash)
		head := entry.Load()
		if head != pc.entryHead {
			// someone appended meanwhile, the disk record may be stale
			return s.internalRMW(pc)
		}
		return s.copyUpdate(pc, entry, head, rec)
	default:
		return s.dispatch(pc)
	}
}

func (s *Session[I, O, C]) dispatch(pc *PendingContext[I, O, C]) opStatus {
	switch pc.kind {
	case opRead:
		return s.internalRead(pc)
	case opUpsert:
		return s.internalUpsert(pc)
	case opRMW:
		return s.internalRMW(pc)
	default:
		return s.internalDelete(pc)
	}
}
