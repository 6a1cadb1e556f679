package core

import "errors"

// --------------------------------------------------------------------------
// Public status
// --------------------------------------------------------------------------

// Status is the result of an operation as seen by the caller
type Status uint8

const (
	// OK means the operation completed
	OK Status = iota
	// NotFound means the key does not exist or was deleted
	NotFound
	// Pending means the operation went to disk or waits for a version change;
	// the result is delivered by one of the CompletePending calls
	Pending
	// Error means the operation failed terminally, see the returned error
	Error
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case NotFound:
		return "not_found"
	case Pending:
		return "pending"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Internal status
// --------------------------------------------------------------------------

// opStatus is the richer result of one attempt of an internal operation
type opStatus uint8

const (
	opSuccess opStatus = iota
	opNotFound
	// opPending: queued in the pending table or the retry queue
	opPending
	// opRetryNow: lost a race, re-run immediately with the same serial
	opRetryNow
	// opRetryLater: a version change is in flux, queue and replay
	opRetryLater
	// opCPRShiftDetected: saw a record of a newer version, refresh and re-run
	opCPRShiftDetected
	// opAsyncIOPending: the record is on the device, issue a read
	opAsyncIOPending
	// opOutOfMemory: the log could not allocate a record
	opOutOfMemory
)

func (s opStatus) String() string {
	switch s {
	case opSuccess:
		return "SUCCESS"
	case opNotFound:
		return "NOTFOUND"
	case opPending:
		return "PENDING"
	case opRetryNow:
		return "RETRY_NOW"
	case opRetryLater:
		return "RETRY_LATER"
	case opCPRShiftDetected:
		return "CPR_SHIFT_DETECTED"
	case opAsyncIOPending:
		return "ASYNC_IO_PENDING"
	case opOutOfMemory:
		return "OUT_OF_MEMORY"
	default:
		return "UNKNOWN"
	}
}

// toStatus collapses a terminal internal status
func toStatus(s opStatus, err error) Status {
	switch {
	case err != nil:
		return Error
	case s == opSuccess:
		return OK
	case s == opNotFound:
		return NotFound
	case s == opPending:
		return Pending
	default:
		return Error
	}
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrSpinWaitRequired is returned by CompletePending when waiting for a
	// commit is requested without waiting for pending operations
	ErrSpinWaitRequired = errors.New("core: waiting for commit requires waiting for pending operations")
	// ErrEpochHeld is returned by the async completion calls of a session
	// that holds epoch protection (thread affinitized sessions)
	ErrEpochHeld = errors.New("core: async completion must not be called while holding epoch protection")
	// ErrAffinitizedAsync is returned by async operations on a thread affinitized session
	ErrAffinitizedAsync = errors.New("core: thread affinitized sessions do not support async operations")
	// ErrSessionDisposed is returned by every call on a disposed session
	ErrSessionDisposed = errors.New("core: session is disposed")
	// ErrSerialRegression is returned when a serial number would go backwards
	ErrSerialRegression = errors.New("core: serial numbers must increase")
	// ErrSessionExists is returned when a session id is already active
	ErrSessionExists = errors.New("core: session already exists")
	// ErrUnknownSession is returned by ResumeSession for ids not found in the recovered checkpoint
	ErrUnknownSession = errors.New("core: unknown session")
	// ErrRecoverAfterSessions is returned when recovering a store that already has sessions
	ErrRecoverAfterSessions = errors.New("core: recovery must run before sessions are created")
	// ErrIncompatibleCheckpoints is returned when an index checkpoint reaches beyond a log checkpoint
	ErrIncompatibleCheckpoints = errors.New("core: index checkpoint is newer than log checkpoint")
	// ErrCheckpointsDisabled is returned when the store has no checkpoint directory
	ErrCheckpointsDisabled = errors.New("core: store has no checkpoint directory")
	// ErrBusy is returned when a structural operation cannot start because another one runs
	ErrBusy = errors.New("core: a checkpoint or index resize is in progress")
	// ErrStoreClosed is returned by operations on a closed store
	ErrStoreClosed = errors.New("core: store is closed")
)
