package core

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/hlog"
	"golang.org/x/sync/errgroup"
)

// Recover restores the full checkpoint token. Recovery must run on a fresh
// store before any session is opened. A store whose recovery failed must
// be discarded.
func (s *Store[I, O, C]) Recover(token common.Token) error {
	return s.RecoverFrom(token, token)
}

// RecoverFrom restores an index checkpoint and a log checkpoint that were
// taken independently
func (s *Store[I, O, C]) RecoverFrom(indexToken, logToken common.Token) error {
	if s.checkpoints == nil {
		return ErrCheckpointsDisabled
	}
	idx, err := s.checkpoints.ReadIndexInfo(indexToken)
	if err != nil {
		return fmt.Errorf("core: failed to read index checkpoint: %w", err)
	}
	lg, err := s.checkpoints.ReadLogInfo(logToken)
	if err != nil {
		return fmt.Errorf("core: failed to read log checkpoint: %w", err)
	}
	return s.recover(idx, lg)
}

// RecoverLatest restores the newest usable checkpoint and returns the
// token of its log half
func (s *Store[I, O, C]) RecoverLatest() (common.Token, error) {
	if s.checkpoints == nil {
		return common.NilToken, ErrCheckpointsDisabled
	}
	idx, lg, err := s.checkpoints.Latest()
	if err != nil {
		return common.NilToken, err
	}
	return lg.Token, s.recover(idx, lg)
}

func (s *Store[I, O, C]) recover(idx common.IndexInfo, lg common.LogInfo) error {
	if idx.FinalAddress > lg.FinalAddress {
		return fmt.Errorf("%w: index reaches %d, log ends at %d", ErrIncompatibleCheckpoints, idx.FinalAddress, lg.FinalAddress)
	}
	if idx.Version > lg.Version {
		return fmt.Errorf("%w: index version %d is newer than log version %d", ErrIncompatibleCheckpoints, idx.Version, lg.Version)
	}

	// holding the registry lock keeps sessions and checkpoints out
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if len(s.sessions) > 0 {
		return ErrRecoverAfterSessions
	}
	if st := s.SystemState(); st.Phase != PhaseRest || s.run.Load() != nil {
		return ErrBusy
	}

	started := time.Now()
	var g errgroup.Group
	g.Go(func() error {
		rc, err := s.checkpoints.OpenIndexDump(idx.Token)
		if err != nil {
			return err
		}
		defer rc.Close()
		n, err := s.index.Restore(rc)
		if err != nil {
			return fmt.Errorf("core: failed to restore index: %w", err)
		}
		Logger.Debugf("restored %d index entries", n)
		return nil
	})
	g.Go(func() error {
		return s.log.Recover(lg.FinalAddress)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	replayed, skipped := 0, 0
	err := s.log.Scan(idx.StartAddress, lg.FinalAddress, func(addr hlog.Address, rec *hlog.Record) error {
		if rec.IsInvalid() {
			return nil
		}
		entry := s.index.FindOrCreate(s.index.Hash(rec.Key()))
		switch {
		case rec.Version() <= lg.Version:
			entry.Store(addr)
			replayed++
		case rec.PreviousAddress() < idx.StartAddress:
			// the dump may point past the checkpoint version
			entry.Store(rec.PreviousAddress())
			skipped++
		default:
			skipped++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("core: failed to replay log: %w", err)
	}

	s.recovered = make(map[string]common.CommitPoint, len(lg.Sessions))
	for id, cp := range lg.Sessions {
		s.recovered[id] = cp
	}
	s.state.Store(SystemState{Phase: PhaseRest, Version: lg.Version + 1}.word())

	Logger.Infof("recovered checkpoint %s/%s (v%d) in %s: %d records replayed, %d skipped, %d sessions",
		idx.Token, lg.Token, lg.Version, time.Since(started), replayed, skipped, len(s.recovered))
	return nil
}
