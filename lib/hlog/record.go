package hlog

import (
	"bytes"
	"runtime"
	"sync/atomic"
)

// Address is an opaque offset into the hybrid log
type Address uint64

// InvalidAddress terminates every hash chain
const InvalidAddress Address = 0

// record flags
const (
	flagTombstone uint32 = 1 << iota
	flagInvalid
	flagSealed
)

// persistedFlags are the flags written to the device
const persistedFlags = flagTombstone | flagInvalid

// Record is one entry of the hybrid log. Key, previous address and version
// never change after the record is created. The value bytes may only change
// under the exclusive record lock while the record is in the mutable region.
type Record struct {
	key     []byte
	value   []byte
	prev    Address
	version uint32
	flags   atomic.Uint32
	lock    atomic.Int32 // -1 exclusive, >0 shared holders
}

// NewRecord creates a record. The record takes ownership of key and value.
func NewRecord(key, value []byte, prev Address, version uint32) *Record {
	return &Record{key: key, value: value, prev: prev, version: version}
}

// NewTombstone creates a deleted marker for key
func NewTombstone(key []byte, prev Address, version uint32) *Record {
	r := &Record{key: key, prev: prev, version: version}
	r.flags.Store(flagTombstone)
	return r
}

func (r *Record) Key() []byte { return r.key }
func (r *Record) Value() []byte { return r.value }
func (r *Record) PreviousAddress() Address { return r.prev }
func (r *Record) Version() uint32 { return r.version }
func (r *Record) IsTombstone() bool { return r.flags.Load()&flagTombstone != 0 }
func (r *Record) IsInvalid() bool { return r.flags.Load()&flagInvalid != 0 }
func (r *Record) IsSealed() bool { return r.flags.Load()&flagSealed != 0 }
func (r *Record) SetTombstone() { r.flags.Or(flagTombstone) }
func (r *Record) SetInvalid() { r.flags.Or(flagInvalid) }
func (r *Record) Seal() { r.flags.Or(flagSealed) }
func (r *Record) MatchesKey(key []byte) bool { return bytes.Equal(r.key, key) }

// --------------------------------------------------------------------------
// Record lock (reader/writer spin lock)
// --------------------------------------------------------------------------

// LockShared blocks until a shared hold is acquired
func (r *Record) LockShared() {
	for !r.TryLockShared() {
		runtime.Gosched()
	}
}

// TryLockShared acquires a shared hold if no writer holds the record
func (r *Record) TryLockShared() bool {
	for {
		v := r.lock.Load()
		if v < 0 {
			return false
		}
		if r.lock.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

func (r *Record) UnlockShared() {
	r.lock.Add(-1)
}

// LockExclusive blocks until the exclusive hold is acquired
func (r *Record) LockExclusive() {
	for !r.lock.CompareAndSwap(0, -1) {
		runtime.Gosched()
	}
}

// TryLockExclusive acquires the exclusive hold if the record is free
func (r *Record) TryLockExclusive() bool {
	return r.lock.CompareAndSwap(0, -1)
}

func (r *Record) UnlockExclusive() {
	r.lock.Store(0)
}
