package core

import (
	"slices"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/hlog"
)

type opKind uint8

const (
	opRead opKind = iota
	opUpsert
	opRMW
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opUpsert:
		return "upsert"
	case opRMW:
		return "rmw"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// PendingContext is everything needed to resume an operation that could
// not complete synchronously
type PendingContext[I, O, C any] struct {
	kind     opKind
	key      []byte
	hash     uint64
	input    I
	value    []byte
	output   O
	userCtx  C
	serialNo int64

	// owned is set once key and value were copied off the caller's buffers
	owned bool
	// entryHead is the chain head seen when the operation went to disk
	entryHead hlog.Address
	// address is the device address to read next
	address hlog.Address
	// err holds the cause of a terminal error status
	err error

	// waiter receives the result of async operations
	waiter chan opResult[O]
}

type opResult[O any] struct {
	output O
	status Status
	err    error
}

// detach copies key and value so the operation can outlive the call
func (pc *PendingContext[I, O, C]) detach() {
	if pc.owned {
		return
	}
	pc.key = append([]byte(nil), pc.key...)
	if pc.value != nil {
		pc.value = append([]byte(nil), pc.value...)
	}
	pc.owned = true
}

// ExecutionContext is the per-session, per-version operation state. During
// a version change a session has two: the current one and prev, which only
// drains its pending reads.
type ExecutionContext[I, O, C any] struct {
	version uint32
	// serialNum is the last serial number handed out
	serialNum int64
	// pending holds operations waiting for device reads, by serial
	pending map[int64]*PendingContext[I, O, C]
	// retry holds operations that hit a version change in flux
	retry []*PendingContext[I, O, C]
	prev  *ExecutionContext[I, O, C]
}

func newExecutionContext[I, O, C any](version uint32, serial int64) *ExecutionContext[I, O, C] {
	return &ExecutionContext[I, O, C]{
		version:   version,
		serialNum: serial,
		pending:   make(map[int64]*PendingContext[I, O, C]),
	}
}

// pendingCount counts every unfinished operation including prev's
func (ec *ExecutionContext[I, O, C]) pendingCount() int {
	n := len(ec.pending) + len(ec.retry)
	if ec.prev != nil {
		n += len(ec.prev.pending) + len(ec.prev.retry)
	}
	return n
}

// owner returns the context whose pending table holds serial
func (ec *ExecutionContext[I, O, C]) owner(serial int64) *ExecutionContext[I, O, C] {
	if _, ok := ec.pending[serial]; ok {
		return ec
	}
	if ec.prev != nil {
		if _, ok := ec.prev.pending[serial]; ok {
			return ec.prev
		}
	}
	return nil
}

// commitPoint is the commit point of this context when a newer version
// takes over: everything issued so far except what is still unfinished
func (ec *ExecutionContext[I, O, C]) commitPoint() common.CommitPoint {
	cp := common.CommitPoint{UntilSerialNo: ec.serialNum}
	for serial := range ec.pending {
		cp.ExcludedSerialNos = append(cp.ExcludedSerialNos, serial)
	}
	for _, pc := range ec.retry {
		cp.ExcludedSerialNos = append(cp.ExcludedSerialNos, pc.serialNo)
	}
	slices.Sort(cp.ExcludedSerialNos)
	return cp
}
