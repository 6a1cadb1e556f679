package core

import (
	"slices"
)

// catchUp acknowledges the global state, doing the session's share of the
// work of the phase first. A phase whose work is not finished is left
// unacknowledged and retried on the next call.
func (s *Session[I, O, C]) catchUp() {
	global := s.store.SystemState()
	if stateFromWord(s.acked.Load()) == global || s.catchingUp {
		return
	}
	s.catchingUp = true
	defer func() { s.catchingUp = false }()

	if s.ctx.version < global.Version {
		s.swap(global.Version)
	}

	switch global.Phase {
	case PhaseWaitPending:
		if prev := s.ctx.prev; prev != nil && len(prev.pending) > 0 {
			s.completeReady()
			if len(prev.pending) > 0 {
				return
			}
		}
		s.ctx.prev = nil
	case PhasePersistenceCallback:
		s.ctx.prev = nil
		run := s.store.run.Load()
		if run == nil || run.token == s.calledBack {
			break
		}
		if cp, ok := run.commits.Load(s.id); ok {
			s.calledBack = run.token
			s.commitPoint = cp
			s.fns.CheckpointCompletionCallback(s.id, cp)
		}
	case PhaseRest:
		s.ctx.prev = nil
	}
	s.acked.Store(global.word())
}

// swap moves the session to a new version. The old context stays as prev
// until its pending reads finished, retries move over and run at the new
// version.
func (s *Session[I, O, C]) swap(version uint32) {
	old := s.ctx
	cp := old.commitPoint()
	if s.inflight != nil && !slices.Contains(cp.ExcludedSerialNos, s.inflight.serialNo) {
		cp.ExcludedSerialNos = append(cp.ExcludedSerialNos, s.inflight.serialNo)
		slices.Sort(cp.ExcludedSerialNos)
	}

	next := newExecutionContext[I, O, C](version, old.serialNum)
	next.retry, old.retry = old.retry, nil
	old.prev = nil
	next.prev = old
	s.ctx = next

	if run := s.store.run.Load(); run != nil && run.commits != nil {
		run.commits.Store(s.id, cp)
	}
	Logger.Debugf("session %s moved to v%d, commit point %s", s.id, version, cp)
}

// help runs catchUp for an idle session on the coordinator's goroutine. It
// returns false if the session is busy.
func (s *Session[I, O, C]) help() bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	if s.disposed {
		return true
	}
	if s.affinitized {
		s.guard.Refresh()
	} else {
		s.guard.Protect()
		defer s.guard.Unprotect()
	}
	s.catchUp()
	return true
}
