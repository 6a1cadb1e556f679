package index

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("index")

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// Entry holds the head address of one hash chain
type Entry struct {
	head atomic.Uint64
}

// Load returns the current chain head
func (e *Entry) Load() hlog.Address {
	return hlog.Address(e.head.Load())
}

// CompareAndSwap installs a new chain head if the head is still old
func (e *Entry) CompareAndSwap(old, next hlog.Address) bool {
	return e.head.CompareAndSwap(uint64(old), uint64(next))
}

// Store overwrites the chain head. Only used while nothing else runs (recovery).
func (e *Entry) Store(addr hlog.Address) {
	e.head.Store(uint64(addr))
}

// --------------------------------------------------------------------------
// Index
// --------------------------------------------------------------------------

type table = xsync.MapOf[uint64, *Entry]

// Index maps key hashes to chain entries.
//
// Thread-safety: all methods are safe for concurrent use. Grow must only be
// called after BeginGrow and after every goroutine that could have missed
// the grow flag finished its operation (an epoch barrier).
type Index struct {
	seed    uint64
	table   atomic.Pointer[table]
	growing atomic.Bool
	growMu  sync.Mutex
	grows   atomic.Int64
}

// New creates an empty index. A seed of 0 picks a random seed.
func New(sizeHint int, seed uint64) *Index {
	if seed == 0 {
		seed = util.GenerateSeed()
	}
	ix := &Index{seed: seed}
	ix.table.Store(newTable(sizeHint))
	return ix
}

func newTable(sizeHint int) *table {
	if sizeHint > 0 {
		return xsync.NewMapOf[uint64, *Entry](xsync.WithPresize(sizeHint))
	}
	return xsync.NewMapOf[uint64, *Entry]()
}

// Seed returns the hash seed
func (ix *Index) Seed() uint64 { return ix.seed }

// Hash hashes a key with the index seed
func (ix *Index) Hash(key []byte) uint64 {
	return util.HashBytes(key, ix.seed)
}

// Find returns the entry for hash if it exists
func (ix *Index) Find(hash uint64) (*Entry, bool) {
	return ix.table.Load().Load(hash)
}

// FindOrCreate returns the entry for hash, creating an empty one if needed
func (ix *Index) FindOrCreate(hash uint64) *Entry {
	if e, ok := ix.table.Load().Load(hash); ok {
		return e
	}
	if ix.growing.Load() {
		ix.growMu.Lock()
		defer ix.growMu.Unlock()
	}
	e, _ := ix.table.Load().LoadOrCompute(hash, func() *Entry { return &Entry{} })
	return e
}

// Size returns the number of entries
func (ix *Index) Size() int {
	return ix.table.Load().Size()
}

// Growths returns how often Grow ran
func (ix *Index) Growths() int64 {
	return ix.grows.Load()
}

// Capacity returns the capacity of the current table
func (ix *Index) Capacity() int {
	return ix.table.Load().Stats().Capacity
}

// BeginGrow makes entry creation take the grow mutex
func (ix *Index) BeginGrow() {
	ix.growing.Store(true)
}

// AbortGrow ends a resize that will not happen
func (ix *Index) AbortGrow() {
	ix.growMu.Lock()
	defer ix.growMu.Unlock()
	ix.growing.Store(false)
}

// Grow copies all entries into a table presized to twice the current size
// and returns the new capacity
func (ix *Index) Grow() int {
	ix.growMu.Lock()
	defer ix.growMu.Unlock()

	old := ix.table.Load()
	grown := newTable(2 * max(old.Size(), 1))
	old.Range(func(hash uint64, e *Entry) bool {
		grown.Store(hash, e)
		return true
	})
	ix.table.Store(grown)
	ix.growing.Store(false)
	ix.grows.Add(1)

	capacity := grown.Stats().Capacity
	Logger.Infof("index grown: capacity %d, %d entries", capacity, grown.Size())
	return capacity
}

// Range calls fn for every entry until fn returns false
func (ix *Index) Range(fn func(hash uint64, head hlog.Address) bool) {
	ix.table.Load().Range(func(hash uint64, e *Entry) bool {
		return fn(hash, e.Load())
	})
}

// Reset drops all entries and sets a new seed. Only used while nothing else runs.
func (ix *Index) Reset(seed uint64) {
	ix.seed = seed
	ix.table.Store(newTable(0))
}
