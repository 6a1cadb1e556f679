package core

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/lib/hlog"
)

// pendingPollInterval bounds how long a waiting session sleeps before it
// looks at retries and checkpoint phases again
const pendingPollInterval = time.Millisecond

// ioResult is a finished device read, pushed by the I/O goroutine onto the
// session's completion queue
type ioResult[I, O, C any] struct {
	pc  *PendingContext[I, O, C]
	rec *hlog.Record
	err error
}

// issueIO registers pc in the pending table and starts the device read
func (s *Session[I, O, C]) issueIO(pc *PendingContext[I, O, C]) {
	pc.detach()
	s.ctx.pending[pc.serialNo] = pc
	queue := s.completions
	s.store.log.ReadAsync(context.Background(), pc.address, func(rec *hlog.Record, err error) {
		queue.Push(&ioResult[I, O, C]{pc: pc, rec: rec, err: err})
	})
}

// complete resumes the operation of a finished read
func (s *Session[I, O, C]) complete(r *ioResult[I, O, C]) {
	pc := r.pc
	owner := s.ctx.owner(pc.serialNo)
	if owner == nil || owner.pending[pc.serialNo] != pc {
		return
	}
	delete(owner.pending, pc.serialNo)

	if r.err != nil {
		err := fmt.Errorf("core: device read at %d failed: %w", pc.address, r.err)
		s.finish(pc, Error, err)
		return
	}

	rec := r.rec
	if rec.IsInvalid() || !rec.MatchesKey(pc.key) {
		if next := rec.PreviousAddress(); s.onDevice(next) {
			pc.address = next
			s.issueIO(pc)
			return
		}
		rec = nil
	}

	st, err := s.drive(pc, s.continuePending(pc, rec))
	if st == opPending {
		return
	}
	s.finish(pc, toStatus(st, err), err)
}

// finish delivers the terminal status of a pending operation
func (s *Session[I, O, C]) finish(pc *PendingContext[I, O, C], status Status, err error) {
	switch pc.kind {
	case opRead:
		s.fns.ReadCompletionCallback(pc.key, pc.input, pc.output, pc.userCtx, status)
	case opRMW:
		s.fns.RMWCompletionCallback(pc.key, pc.input, pc.output, pc.userCtx, status)
	case opUpsert:
		s.fns.UpsertCompletionCallback(pc.key, pc.value, pc.userCtx, status)
	case opDelete:
		s.fns.DeleteCompletionCallback(pc.key, pc.userCtx, status)
	}
	s.store.metrics.op(pc.kind, status)

	if s.collect {
		s.outputs = append(s.outputs, CompletedOutput[I, O, C]{
			Key:      pc.key,
			Input:    pc.input,
			Output:   pc.output,
			Context:  pc.userCtx,
			SerialNo: pc.serialNo,
			Status:   status,
			Err:      err,
		})
	}
	if pc.waiter != nil {
		pc.waiter <- opResult[O]{output: pc.output, status: status, err: err}
	}
}

// completeReady processes every completion available right now and
// replays the retry queue once
func (s *Session[I, O, C]) completeReady() {
	ready := s.ready
	s.ready = nil
	for _, r := range ready {
		s.complete(r)
	}

drain:
	for {
		select {
		case r, ok := <-s.completions.Recv():
			if !ok {
				break drain
			}
			s.complete(r)
		default:
			break drain
		}
	}

	if len(s.ctx.retry) == 0 {
		return
	}
	queued := s.ctx.retry
	s.ctx.retry = nil
	for _, pc := range queued {
		st, err := s.drive(pc, s.dispatch(pc))
		if st != opPending {
			s.finish(pc, toStatus(st, err), err)
		}
	}
}

// waitForIO blocks for one completion or the poll interval. Relaxed
// sessions drop epoch protection meanwhile, affinitized ones refresh it.
func (s *Session[I, O, C]) waitForIO() {
	if !s.affinitized {
		s.guard.Unprotect()
	}
	timer := time.NewTimer(pendingPollInterval)
	select {
	case r, ok := <-s.completions.Recv():
		if ok {
			s.ready = append(s.ready, r)
		}
	case <-timer.C:
	}
	timer.Stop()
	if s.affinitized {
		s.guard.Refresh()
	} else {
		s.guard.Protect()
	}
	s.catchUp()
}

// completePending runs completions until nothing is pending or, if not
// waiting, until nothing is ready. Called inside a session call.
func (s *Session[I, O, C]) completePending(wait bool) bool {
	for {
		s.completeReady()
		if s.ctx.pendingCount() == 0 {
			return true
		}
		if !wait {
			return false
		}
		s.waitForIO()
	}
}

// waitForRest blocks until no checkpoint or resize runs and the session
// acknowledged that
func (s *Session[I, O, C]) waitForRest() {
	for {
		s.catchUp()
		global := s.store.SystemState()
		if global.Phase == PhaseRest && stateFromWord(s.acked.Load()) == global {
			return
		}
		s.waitForIO()
		s.completeReady()
	}
}

// CompletePending processes finished pending operations and reports
// whether none are left. With wait it blocks until all finished, with
// waitForCommit it additionally blocks until a running checkpoint completed.
func (s *Session[I, O, C]) CompletePending(wait, waitForCommit bool) (bool, error) {
	if waitForCommit && !wait {
		return false, ErrSpinWaitRequired
	}
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.exit()

	done := s.completePending(wait)
	if waitForCommit {
		s.waitForRest()
	}
	return done, nil
}

// CompletePendingWithOutputs is CompletePending that also returns the
// results of the operations completed by this call
func (s *Session[I, O, C]) CompletePendingWithOutputs(wait bool) ([]CompletedOutput[I, O, C], error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	s.collect = true
	s.completePending(wait)
	out := s.outputs
	s.outputs = nil
	s.collect = false
	return out, nil
}

// CompletePendingAsync waits until every pending operation finished
// without holding epoch protection while waiting
func (s *Session[I, O, C]) CompletePendingAsync(ctx context.Context) error {
	if s.affinitized {
		return ErrEpochHeld
	}
	for {
		if err := s.enter(); err != nil {
			return err
		}
		done := s.completePending(false)
		s.exit()
		if done {
			return nil
		}
		if err := s.awaitIO(ctx); err != nil {
			return err
		}
	}
}

// ReadyToCompletePendingAsync waits until at least one pending operation
// can make progress, or returns at once if nothing is pending
func (s *Session[I, O, C]) ReadyToCompletePendingAsync(ctx context.Context) error {
	if s.affinitized {
		return ErrEpochHeld
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	ready := s.ctx.pendingCount() == 0 || len(s.ready) > 0 || len(s.ctx.retry) > 0
	s.mu.Unlock()
	if ready {
		return nil
	}

	select {
	case r, ok := <-s.completions.Recv():
		if !ok {
			return ErrSessionDisposed
		}
		s.mu.Lock()
		s.ready = append(s.ready, r)
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForCommitAsync waits until every operation issued so far is covered
// by the session's commit point. Checkpoints have to be taken by someone
// else meanwhile.
func (s *Session[I, O, C]) WaitForCommitAsync(ctx context.Context) error {
	if s.affinitized {
		return ErrEpochHeld
	}
	if err := s.CompletePendingAsync(ctx); err != nil {
		return err
	}
	for {
		signal := s.store.commitSignal()

		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return ErrSessionDisposed
		}
		covered := s.commitPoint.CoversAll(s.ctx.serialNum)
		s.mu.Unlock()
		if covered {
			return nil
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitIO blocks outside the session call until a completion arrives,
// the poll interval passed or ctx is done
func (s *Session[I, O, C]) awaitIO(ctx context.Context) error {
	timer := time.NewTimer(pendingPollInterval)
	defer timer.Stop()
	select {
	case r, ok := <-s.completions.Recv():
		if ok {
			s.mu.Lock()
			s.ready = append(s.ready, r)
			s.mu.Unlock()
		}
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// await waits for the result of an async operation. If ctx ends first the
// operation stays pending and completes with the next CompletePending.
func (s *Session[I, O, C]) await(ctx context.Context, pc *PendingContext[I, O, C]) (opResult[O], error) {
	for {
		select {
		case res := <-pc.waiter:
			return res, nil
		default:
		}
		if err := s.awaitIO(ctx); err != nil {
			return opResult[O]{}, err
		}
		if err := s.enter(); err != nil {
			return opResult[O]{}, err
		}
		s.completeReady()
		s.exit()
	}
}
