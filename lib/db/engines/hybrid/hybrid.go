package hybrid

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/core"
	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("db")

// LatestToken makes Recover pick the newest checkpoint
const LatestToken = "latest"

// sampleRecords is the number of log records GetInfo inspects
const sampleRecords = 1024

type (
	store   = core.Store[request, []byte, struct{}]
	session = core.Session[request, []byte, struct{}]
)

// --------------------------------------------------------------------------
// Core hybrid database structure
// --------------------------------------------------------------------------

// hybridImpl implements db.KVDB on the hybrid log engine. Every call borrows
// a relaxed session from a pool, so sessions stay registered between calls
// and are helped by the checkpoint coordinator while idle.
type hybridImpl struct {
	store   *store
	fns     valueFunctions
	pool    chan *session // idle sessions
	slots   chan struct{} // one token per opened session
	timeout time.Duration

	// ops hold mu shared, Close takes it exclusively
	mu     sync.RWMutex
	closed atomic.Bool
}

// DBOptions configures the hybridImpl behavior during initialization
type DBOptions struct {
	Engine    core.Options  // Engine options (Dir empty = volatile, no checkpoints)
	Sessions  int           // Maximum number of pooled sessions (0 = number of CPUs)
	OpTimeout time.Duration // Bound for a single operation or checkpoint (0 = no bound)
}

// DefaultOptions returns the default hybridImpl options (volatile store)
func DefaultOptions() *DBOptions {
	return &DBOptions{
		Engine:   core.DefaultOptions(),
		Sessions: runtime.NumCPU(),
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewHybridDB opens a database. With opts == nil a volatile store with the
// default options is created.
func NewHybridDB(opts *DBOptions) (db.KVDB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	sessions := opts.Sessions
	if sessions <= 0 {
		sessions = runtime.NumCPU()
	}
	engine := opts.Engine
	if engine.MaxSessions > 0 && sessions > engine.MaxSessions {
		sessions = engine.MaxSessions
	}

	s, err := core.New[request, []byte, struct{}](engine)
	if err != nil {
		return nil, err
	}
	h := &hybridImpl{
		store:   s,
		pool:    make(chan *session, sessions),
		slots:   make(chan struct{}, sessions),
		timeout: opts.OpTimeout,
	}
	Logger.Infof("hybrid database opened (dir=%q, sessions=%d)", engine.Dir, sessions)
	return h, nil
}

// opContext bounds a call by the configured timeout
func (h *hybridImpl) opContext() (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(context.Background(), h.timeout)
	}
	return context.WithCancel(context.Background())
}

// acquire returns an idle session or opens a new one if the pool is not full
func (h *hybridImpl) acquire(ctx context.Context) (*session, error) {
	select {
	case s := <-h.pool:
		return s, nil
	default:
	}
	select {
	case s := <-h.pool:
		return s, nil
	case h.slots <- struct{}{}:
		s, err := h.store.NewSession(h.fns)
		if err != nil {
			<-h.slots
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *hybridImpl) release(s *session) {
	h.pool <- s
}

// with runs fn on a pooled session
func (h *hybridImpl) with(fn func(ctx context.Context, s *session) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return core.ErrStoreClosed
	}
	ctx, cancel := h.opContext()
	defer cancel()

	s, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer h.release(s)
	return fn(ctx, s)
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Set stores a copy of value
func (h *hybridImpl) Set(key string, value []byte) error {
	return h.with(func(ctx context.Context, s *session) error {
		_, err := s.UpsertAsync(ctx, []byte(key), value, struct{}{})
		return err
	})
}

// Delete removes key, deleting a missing key is a no-op
func (h *hybridImpl) Delete(key string) error {
	return h.with(func(ctx context.Context, s *session) error {
		_, err := s.DeleteAsync(ctx, []byte(key), struct{}{})
		return err
	})
}

// Increment adds delta to the counter stored at key
func (h *hybridImpl) Increment(key string, delta int64) (int64, error) {
	var n int64
	err := h.with(func(ctx context.Context, s *session) error {
		out, _, err := s.RMWAsync(ctx, []byte(key), request{kind: reqIncrement, delta: delta}, struct{}{})
		n = util.DecodeInt64(out)
		return err
	})
	return n, err
}

// Append appends data to the value stored at key
func (h *hybridImpl) Append(key string, data []byte) (int, error) {
	var n int
	err := h.with(func(ctx context.Context, s *session) error {
		in := request{kind: reqAppend, data: append([]byte(nil), data...)}
		out, _, err := s.RMWAsync(ctx, []byte(key), in, struct{}{})
		n = int(util.DecodeInt64(out))
		return err
	})
	return n, err
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// Get returns a copy of the value of key
func (h *hybridImpl) Get(key string) ([]byte, bool, error) {
	var (
		value  []byte
		loaded bool
	)
	err := h.with(func(ctx context.Context, s *session) error {
		out, status, err := s.ReadAsync(ctx, []byte(key), request{kind: reqRead}, struct{}{})
		if err != nil {
			return err
		}
		if status == core.OK {
			value, loaded = out, true
			if value == nil {
				value = []byte{}
			}
		}
		return nil
	})
	return value, loaded, err
}

// Has reports whether key exists without copying its value
func (h *hybridImpl) Has(key string) (bool, error) {
	var loaded bool
	err := h.with(func(ctx context.Context, s *session) error {
		_, status, err := s.ReadAsync(ctx, []byte(key), request{kind: reqProbe}, struct{}{})
		loaded = status == core.OK
		return err
	})
	return loaded, err
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Checkpoint takes a full checkpoint and waits until it is durable. If
// another checkpoint runs, it waits for that one and starts its own.
func (h *hybridImpl) Checkpoint() (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return "", core.ErrStoreClosed
	}
	if h.store.Checkpoints() == nil {
		return "", fmt.Errorf("%w: %w", db.ErrNotSupported, core.ErrCheckpointsDisabled)
	}
	ctx, cancel := h.opContext()
	defer cancel()

	for {
		token, ok := h.store.TakeFullCheckpoint()
		if ok {
			if err := h.store.CompleteCheckpointAsync(ctx); err != nil {
				return "", fmt.Errorf("db: checkpoint %s failed: %w", token, err)
			}
			return token.String(), nil
		}
		// another run is active
		if err := h.store.CompleteCheckpointAsync(ctx); err != nil && ctx.Err() != nil {
			return "", err
		}
	}
}

// Recover restores a checkpoint token, or the newest one for LatestToken
func (h *hybridImpl) Recover(token string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return core.ErrStoreClosed
	}
	if h.store.Checkpoints() == nil {
		return fmt.Errorf("%w: %w", db.ErrNotSupported, core.ErrCheckpointsDisabled)
	}

	if token == "" || strings.EqualFold(token, LatestToken) {
		tok, err := h.store.RecoverLatest()
		if err != nil {
			return err
		}
		Logger.Infof("recovered latest checkpoint %s", tok)
		return nil
	}
	tok, err := common.ParseToken(token)
	if err != nil {
		return fmt.Errorf("db: invalid checkpoint token %q: %w", token, err)
	}
	return h.store.Recover(tok)
}

// --------------------------------------------------------------------------
// Info and Features
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database. Sizes are estimated from
// a sample of the most recent log records.
func (h *hybridImpl) GetInfo() db.DatabaseInfo {
	lg := h.store.Log()
	tail := lg.TailAddress()
	from := lg.HeadAddress()
	if tail > sampleRecords && tail-sampleRecords > from {
		from = tail - sampleRecords
	}

	histogram := util.NewSizeHistogram()
	var (
		sizes      []int
		tombstones int
	)
	err := lg.Scan(from, tail, func(_ hlog.Address, rec *hlog.Record) error {
		if rec.IsInvalid() {
			return nil
		}
		if rec.IsTombstone() {
			tombstones++
			return nil
		}
		size := len(rec.Key()) + len(rec.Value())
		histogram.Add(size)
		sizes = append(sizes, size)
		return nil
	})
	if err != nil {
		Logger.Warningf("info sample failed: %v", err)
	}

	// each live entry has one latest record
	entries := h.store.EntryCount()
	recordOverhead := 40 // addresses, version, flags and lock word
	medianSize := histogram.Median() + recordOverhead
	avgSize := histogram.Mean() + recordOverhead
	sizeBytes := entries * (medianSize*60 + avgSize*40) / 100

	state := h.store.SystemState()
	meta := &struct {
		Version         uint32           `json:"version"`
		Phase           string           `json:"phase"`
		Entries         int              `json:"entries"`
		Sessions        int              `json:"sessions"`
		TailAddress     uint64           `json:"tail_address"`
		ReadOnlyAddress uint64           `json:"read_only_address"`
		HeadAddress     uint64           `json:"head_address"`
		BeginAddress    uint64           `json:"begin_address"`
		EvictedPages    int64            `json:"evicted_pages"`
		RecordSizes     util.SizeSummary `json:"record_sizes"`
		TombstoneRatio  float64          `json:"tombstone_ratio"`
		Info            string           `json:"info"`
	}{
		Version:         state.Version,
		Phase:           state.Phase.String(),
		Entries:         entries,
		Sessions:        h.store.SessionCount(),
		TailAddress:     uint64(tail),
		ReadOnlyAddress: uint64(lg.ReadOnlyAddress()),
		HeadAddress:     uint64(lg.HeadAddress()),
		BeginAddress:    uint64(lg.BeginAddress()),
		EvictedPages:    lg.EvictedPages(),
		RecordSizes:     util.Summarize(sizes),
		Info:            "SizeBytes and record sizes are estimates from the most recent log records.",
	}
	if n := len(sizes) + tombstones; n > 0 {
		meta.TombstoneRatio = float64(tombstones) / float64(n)
	}

	return db.DatabaseInfo{
		SizeBytes:         sizeBytes,
		DbType:            db.ImplHybrid,
		SupportedFeatures: h.features(),
		Metadata:          meta,
	}
}

func (h *hybridImpl) features() []db.Feature {
	fs := []db.Feature{
		db.FeatureSet, db.FeatureGet, db.FeatureHas, db.FeatureDelete,
		db.FeatureIncrement, db.FeatureAppend,
	}
	if h.store.Checkpoints() != nil {
		fs = append(fs, db.FeatureCheckpoint, db.FeatureRecover)
	}
	return fs
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (h *hybridImpl) SupportsFeature(feature db.Feature) bool {
	var supported db.Feature
	for _, f := range h.features() {
		supported |= f
	}
	return supported&feature == feature
}

// Close disposes all pooled sessions and closes the store
func (h *hybridImpl) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for {
		select {
		case s := <-h.pool:
			if err := s.Dispose(); err != nil {
				errs = append(errs, err)
			}
			continue
		default:
		}
		break
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
