package epoch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("epoch")

// DefaultTableSize is the number of slots used when NewManager gets size <= 0
const DefaultTableSize = 128

// ErrTableFull is returned when every slot of the epoch table is owned
var ErrTableFull = errors.New("epoch table is full")

// drainPollInterval is how often Barrier re-checks the drain list while waiting
const drainPollInterval = 50 * time.Microsecond

// --------------------------------------------------------------------------
// Epoch table
// --------------------------------------------------------------------------

// slot is one entry of the epoch table, padded to a cache line
type slot struct {
	epoch atomic.Uint64
	owned atomic.Bool
	_     [48]byte
}

// Manager owns the global epoch, the epoch table and the drain list of
// actions waiting for a safe epoch.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	current atomic.Uint64
	safe    atomic.Uint64
	table   []slot

	// drain list: action id -> trigger epoch, ordered by trigger epoch
	mu      sync.Mutex
	drain   *util.KeyedHeap[uint64]
	actions map[uint64]func()
	nextID  uint64
	queued  atomic.Int32
}

// NewManager creates a manager with the given number of slots
func NewManager(size int) *Manager {
	if size <= 0 {
		size = DefaultTableSize
	}
	m := &Manager{
		table:   make([]slot, size),
		drain:   util.NewKeyedHeap[uint64](),
		actions: make(map[uint64]func()),
	}
	// start at 1 so 0 can mean "not protected"
	m.current.Store(1)
	return m
}

// Register reserves a slot without protecting it
func (m *Manager) Register() (*Guard, error) {
	for i := range m.table {
		if m.table[i].owned.CompareAndSwap(false, true) {
			return &Guard{m: m, idx: i}, nil
		}
	}
	Logger.Warningf("epoch table exhausted (%d slots)", len(m.table))
	return nil, ErrTableFull
}

// Enter reserves a slot and protects it. The returned guard must be released
// with Exit on every path.
func (m *Manager) Enter() (*Guard, error) {
	g, err := m.Register()
	if err != nil {
		return nil, err
	}
	g.Protect()
	return g, nil
}

// CurrentEpoch returns the global epoch
func (m *Manager) CurrentEpoch() uint64 {
	return m.current.Load()
}

// SafeEpoch returns the last computed safe-to-reclaim epoch
func (m *Manager) SafeEpoch() uint64 {
	return m.safe.Load()
}

// Protected returns the number of currently protected slots
func (m *Manager) Protected() int {
	n := 0
	for i := range m.table {
		if m.table[i].epoch.Load() != 0 {
			n++
		}
	}
	return n
}

// IsSafeToReclaim reports whether no protected owner can still observe state
// that was retired at the given epoch
func (m *Manager) IsSafeToReclaim(epoch uint64) bool {
	return epoch <= m.computeSafe()
}

// computeSafe recalculates the safe epoch: one below the oldest epoch
// announced by a protected slot, or one below the current epoch if no slot
// is protected
func (m *Manager) computeSafe() uint64 {
	oldest := m.current.Load()
	for i := range m.table {
		e := m.table[i].epoch.Load()
		if e != 0 && e < oldest {
			oldest = e
		}
	}
	safe := oldest - 1

	// publish monotonically
	for {
		prev := m.safe.Load()
		if safe <= prev || m.safe.CompareAndSwap(prev, safe) {
			break
		}
	}
	return m.safe.Load()
}

// --------------------------------------------------------------------------
// Epoch actions
// --------------------------------------------------------------------------

// BumpEpoch increments the global epoch and queues action (if not nil) to
// run once every owner protected at the old epoch has moved on. It returns
// the new epoch.
func (m *Manager) BumpEpoch(action func()) uint64 {
	prior := m.current.Add(1) - 1

	if action != nil {
		m.mu.Lock()
		m.nextID++
		id := m.nextID
		m.actions[id] = action
		m.drain.Set(id, prior)
		m.queued.Add(1)
		m.mu.Unlock()
	}

	m.TryDrain()
	return prior + 1
}

// TryDrain runs every queued action whose trigger epoch is safe. Actions run
// on the calling goroutine, outside the drain list lock.
func (m *Manager) TryDrain() {
	if m.queued.Load() == 0 {
		return
	}
	safe := m.computeSafe()

	var due []func()
	m.mu.Lock()
	for {
		_, trigger, ok := m.drain.Min()
		if !ok || trigger > safe {
			break
		}
		id, _, _ := m.drain.PopMin()
		due = append(due, m.actions[id])
		delete(m.actions, id)
		m.queued.Add(-1)
	}
	m.mu.Unlock()

	for _, action := range due {
		action()
	}
}

// Barrier bumps the epoch and blocks until every owner protected at the old
// epoch has refreshed or exited. The caller must not be protected itself.
func (m *Manager) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	m.BumpEpoch(func() { close(done) })

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.TryDrain()
		}
	}
}

// --------------------------------------------------------------------------
// Guard
// --------------------------------------------------------------------------

// Guard is the ownership token of one epoch table slot.
//
// Thread-safety: a guard belongs to one owner and must not be used
// concurrently.
type Guard struct {
	m        *Manager
	idx      int
	released bool
}

// Protect announces the current epoch and returns it
func (g *Guard) Protect() uint64 {
	e := g.m.current.Load()
	g.m.table[g.idx].epoch.Store(e)
	return e
}

// Refresh re-announces the current epoch and runs due actions
func (g *Guard) Refresh() uint64 {
	e := g.m.current.Load()
	g.m.table[g.idx].epoch.Store(e)
	g.m.TryDrain()
	return e
}

// Unprotect clears the announced epoch and runs due actions
func (g *Guard) Unprotect() {
	g.m.table[g.idx].epoch.Store(0)
	g.m.TryDrain()
}

// IsProtected reports whether the guard currently announces an epoch
func (g *Guard) IsProtected() bool {
	return g.m.table[g.idx].epoch.Load() != 0
}

// Epoch returns the announced epoch, 0 if not protected
func (g *Guard) Epoch() uint64 {
	return g.m.table[g.idx].epoch.Load()
}

// Release unprotects the guard and frees its slot. Calling it twice is a no-op.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.Unprotect()
	g.m.table[g.idx].owned.Store(false)
}

// Exit is Release for guards obtained from Enter
func (g *Guard) Exit() {
	g.Release()
}
