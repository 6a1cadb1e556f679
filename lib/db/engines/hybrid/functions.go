package hybrid

import (
	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/core"
	"github.com/ValentinKolb/hKV/lib/db/util"
)

// requestKind selects what the callbacks do with a value
type requestKind uint8

const (
	reqRead requestKind = iota
	reqProbe
	reqIncrement
	reqAppend
)

// request is the input of reads and merges
type request struct {
	kind  requestKind
	delta int64
	data  []byte
}

// valueFunctions gives the byte values of a hybrid database their meaning:
// reads copy the value out, Increment treats it as a counter and Append
// concatenates. The output of merges is the encoded counter or the new length.
type valueFunctions struct {
	core.FunctionsBase[request, []byte, struct{}]
}

func (valueFunctions) SingleReader(_ []byte, in request, value []byte, out *[]byte) {
	if in.kind == reqProbe {
		return
	}
	*out = append(make([]byte, 0, len(value)), value...)
}

func (f valueFunctions) ConcurrentReader(key []byte, in request, value []byte, out *[]byte) {
	f.SingleReader(key, in, value, out)
}

func (valueFunctions) InitialUpdater(_ []byte, in request, out *[]byte) []byte {
	switch in.kind {
	case reqIncrement:
		*out = util.EncodeInt64(in.delta)
		return util.EncodeInt64(in.delta)
	case reqAppend:
		*out = util.EncodeInt64(int64(len(in.data)))
		return append([]byte(nil), in.data...)
	}
	return nil
}

func (valueFunctions) InPlaceUpdater(_ []byte, in request, value []byte, out *[]byte) bool {
	switch in.kind {
	case reqIncrement:
		n := util.DecodeInt64(value) + in.delta
		if !util.PutInt64(value, n) {
			return false
		}
		*out = util.EncodeInt64(n)
		return true
	case reqAppend:
		// appending grows the value, only an empty append fits in place
		if len(in.data) > 0 {
			return false
		}
		*out = util.EncodeInt64(int64(len(value)))
		return true
	}
	return false
}

func (valueFunctions) CopyUpdater(_ []byte, in request, old []byte, out *[]byte) []byte {
	switch in.kind {
	case reqIncrement:
		n := util.DecodeInt64(old) + in.delta
		*out = util.EncodeInt64(n)
		return util.EncodeInt64(n)
	case reqAppend:
		v := make([]byte, 0, len(old)+len(in.data))
		v = append(append(v, old...), in.data...)
		*out = util.EncodeInt64(int64(len(v)))
		return v
	}
	return append([]byte(nil), old...)
}

func (valueFunctions) CheckpointCompletionCallback(sessionID string, cp common.CommitPoint) {
	Logger.Debugf("session %s committed %s", sessionID, cp)
}
