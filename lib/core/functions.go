package core

import "github.com/ValentinKolb/hKV/lib/checkpoint/common"

// Functions are the user callbacks that give values their meaning. The
// engine stores opaque byte values and calls these to read, write and
// update them. I is the RMW / read input, O the output and C an arbitrary
// per-operation context handed back on asynchronous completion.
//
// The Concurrent* and InPlaceUpdater callbacks run on records in the
// mutable region while holding the record lock. They may modify value in
// place but must not retain it. Slices returned by SingleWriter,
// InitialUpdater and CopyUpdater are owned by the engine afterwards.
type Functions[I, O, C any] interface {
	// SingleReader reads a value that cannot change concurrently
	SingleReader(key []byte, input I, value []byte, output *O)
	// ConcurrentReader reads a value in the mutable region under a shared lock
	ConcurrentReader(key []byte, input I, value []byte, output *O)

	// SingleWriter returns the value to store for a new record
	SingleWriter(key, src []byte) []byte
	// ConcurrentWriter overwrites dst in place, returning false if it can not
	// (e.g. size mismatch) so a new record is appended instead
	ConcurrentWriter(key, src, dst []byte) bool

	// InitialUpdater creates the value of a key that does not exist yet
	InitialUpdater(key []byte, input I, output *O) []byte
	// InPlaceUpdater updates value in place, returning false to request a copy
	InPlaceUpdater(key []byte, input I, value []byte, output *O) bool
	// NeedCopyUpdate reports whether a copy update is necessary at all
	NeedCopyUpdate(key []byte, input I, oldValue []byte, output *O) bool
	// CopyUpdater derives a new value from an immutable old one
	CopyUpdater(key []byte, input I, oldValue []byte, output *O) []byte

	ReadCompletionCallback(key []byte, input I, output O, ctx C, status Status)
	RMWCompletionCallback(key []byte, input I, output O, ctx C, status Status)
	UpsertCompletionCallback(key, value []byte, ctx C, status Status)
	DeleteCompletionCallback(key []byte, ctx C, status Status)

	// CheckpointCompletionCallback reports the commit point of a session once
	// a checkpoint containing it is durable
	CheckpointCompletionCallback(sessionID string, cp common.CommitPoint)
}

// RecordLocker may additionally be implemented by Functions to take over
// record locking. Shared locks are taken for concurrent reads, exclusive
// locks for in-place updates and for sealing a record that is replaced.
// An implementation must exclude exclusive holders from every other holder
// of the same key.
type RecordLocker interface {
	LockRecord(key []byte, exclusive bool)
	UnlockRecord(key []byte, exclusive bool)
}

// FunctionsBase implements the writer and completion callbacks with
// defaults. Embed it and implement the readers and updaters.
type FunctionsBase[I, O, C any] struct{}

// SingleWriter stores a copy of src
func (FunctionsBase[I, O, C]) SingleWriter(_, src []byte) []byte {
	return append([]byte(nil), src...)
}

// ConcurrentWriter overwrites dst if the sizes match
func (FunctionsBase[I, O, C]) ConcurrentWriter(_, src, dst []byte) bool {
	if len(src) != len(dst) {
		return false
	}
	copy(dst, src)
	return true
}

func (FunctionsBase[I, O, C]) NeedCopyUpdate([]byte, I, []byte, *O) bool { return true }

func (FunctionsBase[I, O, C]) ReadCompletionCallback([]byte, I, O, C, Status) {}
func (FunctionsBase[I, O, C]) RMWCompletionCallback([]byte, I, O, C, Status) {}
func (FunctionsBase[I, O, C]) UpsertCompletionCallback([]byte, []byte, C, Status) {}
func (FunctionsBase[I, O, C]) DeleteCompletionCallback([]byte, C, Status) {}

func (FunctionsBase[I, O, C]) CheckpointCompletionCallback(string, common.CommitPoint) {}

// CompletedOutput is the result of a pending operation as returned by
// CompletePendingWithOutputs
type CompletedOutput[I, O, C any] struct {
	Key      []byte
	Input    I
	Output   O
	Context  C
	SerialNo int64
	Status   Status
	Err      error
}
