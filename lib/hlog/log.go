package hlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/lib/epoch"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("hlog")

// FirstValidAddress is the address of the first record ever allocated
const FirstValidAddress Address = 1

var (
	// ErrOutOfMemory is returned when the address space of the log is exhausted
	ErrOutOfMemory = errors.New("hlog: out of memory")
	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("hlog: closed")
)

// waitPollInterval bounds how long waiters sleep before nudging the epoch drain list
const waitPollInterval = 100 * time.Microsecond

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the size and backing device of a log
type Options struct {
	// PageBits is log2 of the number of records per page
	PageBits uint8
	// MemoryPages is the number of pages kept in memory
	MemoryPages int
	// MutablePages is the number of pages (from the tail) that allow in-place updates
	MutablePages int
	// MaxPages bounds the address space, allocations beyond fail with ErrOutOfMemory
	MaxPages int
	// ReadsPerSecond throttles device reads, 0 means unlimited
	ReadsPerSecond float64
	// MaxConcurrentReads bounds the device reads in flight. ReadAsync blocks
	// while the bound is reached.
	MaxConcurrentReads int
	// Device is the secondary storage, a memory device if nil
	Device Device
}

// DefaultOptions returns the options used for zero values
func DefaultOptions() Options {
	return Options{
		PageBits:     12,
		MemoryPages:  64,
		MutablePages: 48,
		MaxPages:     1 << 20,

		MaxConcurrentReads: 64,
	}
}

func (o *Options) normalize() error {
	def := DefaultOptions()
	if o.PageBits == 0 {
		o.PageBits = def.PageBits
	}
	if o.MemoryPages <= 0 {
		o.MemoryPages = def.MemoryPages
	}
	if o.MutablePages <= 0 {
		o.MutablePages = o.MemoryPages * 3 / 4
		if o.MutablePages == 0 {
			o.MutablePages = 1
		}
	}
	if o.MaxPages <= 0 {
		o.MaxPages = def.MaxPages
	}
	if o.MaxConcurrentReads <= 0 {
		o.MaxConcurrentReads = def.MaxConcurrentReads
	}
	if o.PageBits > 30 {
		return fmt.Errorf("hlog: page bits %d out of range", o.PageBits)
	}
	if o.MutablePages > o.MemoryPages {
		return fmt.Errorf("hlog: mutable pages (%d) exceed memory pages (%d)", o.MutablePages, o.MemoryPages)
	}
	if o.Device == nil {
		o.Device = NewMemoryDevice()
	}
	return nil
}

// --------------------------------------------------------------------------
// Log
// --------------------------------------------------------------------------

type page struct {
	slots []atomic.Pointer[Record]
}

// Log is the hybrid log: an append-only arena of records addressed by
// Address. The tail pages live in memory and allow in-place updates, older
// pages are flushed to the device and eventually dropped from memory.
//
// All region boundaries only grow:
//
//	Begin <= SafeHead <= Head <= SafeReadOnly <= ReadOnly <= Tail
//
// Thread-safety: all methods are safe for concurrent use. Callers that
// dereference records returned by Get must be epoch protected.
type Log struct {
	opts    Options
	epoch   *epoch.Manager
	device  Device
	limiter *rate.Limiter
	reads   *semaphore.Weighted

	pageMask Address
	pages    []atomic.Pointer[page]

	begin        atomic.Uint64
	tail         atomic.Uint64
	readOnly     atomic.Uint64
	safeReadOnly atomic.Uint64
	head         atomic.Uint64
	safeHead     atomic.Uint64
	headTarget   atomic.Uint64
	flushedUntil atomic.Uint64
	evicted      atomic.Int64

	flushMu  sync.Mutex
	notifyMu sync.Mutex
	notify   chan struct{}
	flushErr atomic.Pointer[error]

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates an empty log
func New(em *epoch.Manager, opts Options) (*Log, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	l := &Log{
		opts:     opts,
		epoch:    em,
		device:   opts.Device,
		pageMask: Address(1)<<opts.PageBits - 1,
		pages:    make([]atomic.Pointer[page], opts.MaxPages),
		notify:   make(chan struct{}),
		reads:    semaphore.NewWeighted(int64(opts.MaxConcurrentReads)),
	}
	if opts.ReadsPerSecond > 0 {
		burst := int(opts.ReadsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(opts.ReadsPerSecond), burst)
	}
	l.resetTo(FirstValidAddress)
	return l, nil
}

func (l *Log) resetTo(addr Address) {
	a := uint64(addr)
	l.begin.Store(uint64(FirstValidAddress))
	l.tail.Store(a)
	l.readOnly.Store(a)
	l.safeReadOnly.Store(a)
	l.head.Store(a)
	l.safeHead.Store(a)
	l.headTarget.Store(a)
	l.flushedUntil.Store(a)
}

// --------------------------------------------------------------------------
// Region accessors
// --------------------------------------------------------------------------

func (l *Log) BeginAddress() Address { return Address(l.begin.Load()) }
func (l *Log) ReadOnlyAddress() Address { return Address(l.readOnly.Load()) }
func (l *Log) SafeReadOnlyAddress() Address { return Address(l.safeReadOnly.Load()) }
func (l *Log) HeadAddress() Address { return Address(l.head.Load()) }
func (l *Log) SafeHeadAddress() Address { return Address(l.safeHead.Load()) }
func (l *Log) FlushedUntilAddress() Address { return Address(l.flushedUntil.Load()) }

// EvictedPages returns how many pages were dropped from memory
func (l *Log) EvictedPages() int64 { return l.evicted.Load() }

// Device returns the backing device
func (l *Log) Device() Device { return l.device }

// PageOf returns the page number of an address
func (l *Log) PageOf(addr Address) int { return int(addr >> l.opts.PageBits) }

// maxAddress is the first address beyond the address space
func (l *Log) maxAddress() Address {
	return Address(l.opts.MaxPages) << l.opts.PageBits
}

// --------------------------------------------------------------------------
// Allocation and lookup
// --------------------------------------------------------------------------

// Allocate appends rec to the tail and returns its address. The caller must
// be epoch protected.
func (l *Log) Allocate(rec *Record) (Address, error) {
	if l.closed.Load() {
		return InvalidAddress, ErrClosed
	}
	addr := Address(l.tail.Add(1) - 1)
	if addr >= l.maxAddress() {
		return InvalidAddress, ErrOutOfMemory
	}

	p := l.PageOf(addr)
	pg := l.pages[p].Load()
	if pg == nil {
		fresh := &page{slots: make([]atomic.Pointer[Record], int(l.pageMask)+1)}
		if l.pages[p].CompareAndSwap(nil, fresh) {
			pg = fresh
		} else {
			pg = l.pages[p].Load()
		}
	}
	pg.slots[addr&l.pageMask].Store(rec)

	if addr&l.pageMask == 0 {
		l.onPageTurn(p)
	}
	return addr, nil
}

// onPageTurn keeps the mutable and in-memory windows at their configured size
func (l *Log) onPageTurn(p int) {
	if mutableStart := p + 1 - l.opts.MutablePages; mutableStart > 0 {
		l.ShiftReadOnly(Address(mutableStart) << l.opts.PageBits)
	}
	if memoryStart := p + 1 - l.opts.MemoryPages; memoryStart > 0 {
		l.ShiftHead(Address(memoryStart) << l.opts.PageBits)
	}
}

// Get returns the resident record at addr or nil
func (l *Log) Get(addr Address) *Record {
	if addr < FirstValidAddress || addr >= l.maxAddress() {
		return nil
	}
	pg := l.pages[l.PageOf(addr)].Load()
	if pg == nil {
		return nil
	}
	return pg.slots[addr&l.pageMask].Load()
}

// --------------------------------------------------------------------------
// Region shifts
// --------------------------------------------------------------------------

// ShiftReadOnly makes every address below addr immutable. Once all
// protected owners moved on, SafeReadOnly follows and the new immutable
// range is flushed.
func (l *Log) ShiftReadOnly(addr Address) {
	if addr > l.TailAddress() {
		addr = l.TailAddress()
	}
	if !casMax(&l.readOnly, uint64(addr)) {
		return
	}
	l.epoch.BumpEpoch(func() {
		if casMax(&l.safeReadOnly, uint64(addr)) {
			l.startFlush(addr)
		}
	})
}

// ShiftHead requests that every address below addr is dropped from memory.
// The head never passes the flushed address.
func (l *Log) ShiftHead(addr Address) {
	casMax(&l.headTarget, uint64(addr))
	l.tryShiftHead()
}

func (l *Log) tryShiftHead() {
	target := l.headTarget.Load()
	if flushed := l.flushedUntil.Load(); flushed < target {
		target = flushed
	}
	if !casMax(&l.head, target) {
		return
	}
	addr := Address(target)
	l.epoch.BumpEpoch(func() {
		if casMax(&l.safeHead, uint64(addr)) {
			l.evictBelow(addr)
		}
	})
}

// evictBelow drops all pages that lie entirely below addr
func (l *Log) evictBelow(addr Address) {
	for p := l.PageOf(addr) - 1; p >= 0; p-- {
		if l.pages[p].Swap(nil) == nil {
			break
		}
		l.evicted.Add(1)
	}
}

// TailAddress returns the next address to allocate. Allocations that failed
// with ErrOutOfMemory do not move it past the address space.
func (l *Log) TailAddress() Address {
	tail := Address(l.tail.Load())
	if max := l.maxAddress(); tail > max {
		return max
	}
	return tail
}

// casMax raises v to n, reporting whether v changed
func casMax(v *atomic.Uint64, n uint64) bool {
	for {
		old := v.Load()
		if n <= old {
			return false
		}
		if v.CompareAndSwap(old, n) {
			return true
		}
	}
}

// --------------------------------------------------------------------------
// Flushing
// --------------------------------------------------------------------------

func (l *Log) startFlush(until Address) {
	if l.closed.Load() {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.flush(until)
	}()
}

// flush writes [FlushedUntil, until) to the device, one page per batch.
// Flushes are serialized, so the device sees frames in address order.
func (l *Log) flush(until Address) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	from := l.FlushedUntilAddress()
	for from < until {
		end := (from | l.pageMask) + 1
		if end > until {
			end = until
		}

		frames := make([]Frame, 0, end-from)
		for a := from; a < end; a++ {
			// holes come from allocations that failed with ErrOutOfMemory
			if rec := l.Get(a); rec != nil {
				frames = append(frames, Frame{Address: a, Record: rec})
			}
		}
		if err := l.device.Write(frames); err != nil {
			Logger.Errorf("flush of [%d, %d) failed: %v", from, end, err)
			l.flushErr.Store(&err)
			l.wakeWaiters()
			return
		}

		l.flushedUntil.Store(uint64(end))
		from = end
	}

	l.wakeWaiters()
	l.tryShiftHead()
}

func (l *Log) wakeWaiters() {
	l.notifyMu.Lock()
	close(l.notify)
	l.notify = make(chan struct{})
	l.notifyMu.Unlock()
}

func (l *Log) waitChan() <-chan struct{} {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	return l.notify
}

// FlushError returns the last device write error, if any
func (l *Log) FlushError() error {
	if p := l.flushErr.Load(); p != nil {
		return *p
	}
	return nil
}

// WaitFlushed blocks until every address below addr is on the device. The
// caller must not be epoch protected.
func (l *Log) WaitFlushed(ctx context.Context, addr Address) error {
	return l.waitFor(ctx, func() bool { return l.FlushedUntilAddress() >= addr })
}

func (l *Log) waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		ch := l.waitChan()
		if done() {
			return nil
		}
		if err := l.FlushError(); err != nil {
			return fmt.Errorf("hlog: flush failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-ticker.C:
			l.epoch.TryDrain()
		}
	}
}

// ShiftReadOnlyToTail makes the whole log immutable and waits until it is
// flushed. It returns the flushed tail. The caller must not be epoch protected.
func (l *Log) ShiftReadOnlyToTail(ctx context.Context) (Address, error) {
	tail := l.TailAddress()
	l.ShiftReadOnly(tail)
	if err := l.WaitFlushed(ctx, tail); err != nil {
		return InvalidAddress, err
	}
	if err := l.device.Sync(); err != nil {
		return InvalidAddress, fmt.Errorf("hlog: sync failed: %w", err)
	}
	return tail, nil
}

// FlushAndEvict flushes the whole log and drops it from memory, so every
// existing record must be read from the device afterwards.
func (l *Log) FlushAndEvict(ctx context.Context) error {
	tail, err := l.ShiftReadOnlyToTail(ctx)
	if err != nil {
		return err
	}
	l.ShiftHead(tail)
	return l.waitFor(ctx, func() bool { return l.SafeHeadAddress() >= tail })
}

// --------------------------------------------------------------------------
// Device reads
// --------------------------------------------------------------------------

// ReadAsync reads the record at addr from the device on a new goroutine and
// calls cb with the result. It blocks while MaxConcurrentReads reads are in
// flight.
func (l *Log) ReadAsync(ctx context.Context, addr Address, cb func(*Record, error)) {
	if l.closed.Load() {
		cb(nil, ErrClosed)
		return
	}
	if err := l.reads.Acquire(ctx, 1); err != nil {
		cb(nil, err)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.reads.Release(1)
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				cb(nil, err)
				return
			}
		}
		cb(l.device.Read(addr))
	}()
}

// Read reads a record, from memory when resident and from the device otherwise.
// Only used when no concurrent writers exist (recovery, tooling).
func (l *Log) Read(addr Address) (*Record, error) {
	if addr >= l.HeadAddress() {
		if rec := l.Get(addr); rec != nil {
			return rec, nil
		}
	}
	return l.device.Read(addr)
}

// Scan calls fn for every record in [from, to) in address order. Addresses
// without a record are skipped.
func (l *Log) Scan(from, to Address, fn func(Address, *Record) error) error {
	if from < FirstValidAddress {
		from = FirstValidAddress
	}
	for a := from; a < to; a++ {
		rec, err := l.Read(a)
		if errors.Is(err, ErrNotOnDevice) {
			continue
		}
		if err != nil {
			return fmt.Errorf("hlog: scan failed at %d: %w", a, err)
		}
		if err := fn(a, rec); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Recovery and shutdown
// --------------------------------------------------------------------------

// Recover prepares an empty log to continue a log that was flushed up to
// final. Everything below final is device resident, everything at or beyond
// it is dropped from the device.
func (l *Log) Recover(final Address) error {
	if final < FirstValidAddress {
		final = FirstValidAddress
	}
	if err := l.device.Truncate(final); err != nil {
		return fmt.Errorf("hlog: failed to truncate device: %w", err)
	}
	for p := range l.pages {
		l.pages[p].Store(nil)
	}
	l.resetTo(final)
	Logger.Infof("log recovered up to address %d", final)
	return nil
}

// Close waits for running flushes and reads, then closes the device
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.wg.Wait()
	return l.device.Close()
}
