package serializer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/hlog"
)

// NewBinarySerializer creates a new serializer using a custom binary format
func NewBinarySerializer() IMetaSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IMetaSerializer using a custom binary format.
//
// Layout (big endian):
//
//	kind (1)
//	index: token (16) | version (4) | start (8) | final (8) | entries (8) | seed (8) | created (8)
//	log:   token (16) | version (4) | begin (8) | final (8) | created (8) | sessions (4)
//	       { idLen (4) | id | until (8) | excluded (4) | { serial (8) }* }*
type binarySerializerImpl struct {
}

var errShortBuffer = errors.New("binary serializer: buffer too short")

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMetaSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(meta common.Metadata) ([]byte, error) {
	w := &writer{}
	w.u8(uint8(meta.Kind))

	switch meta.Kind {
	case common.KindIndex:
		if meta.Index == nil {
			return nil, fmt.Errorf("binary serializer: index metadata missing")
		}
		info := meta.Index
		w.raw(info.Token[:])
		w.u32(info.Version)
		w.u64(uint64(info.StartAddress))
		w.u64(uint64(info.FinalAddress))
		w.u64(info.NumEntries)
		w.u64(info.HashSeed)
		w.u64(uint64(info.Created.UnixNano()))

	case common.KindLog:
		if meta.Log == nil {
			return nil, fmt.Errorf("binary serializer: log metadata missing")
		}
		info := meta.Log
		w.raw(info.Token[:])
		w.u32(info.Version)
		w.u64(uint64(info.BeginAddress))
		w.u64(uint64(info.FinalAddress))
		w.u64(uint64(info.Created.UnixNano()))

		// sorted for a deterministic encoding
		ids := make([]string, 0, len(info.Sessions))
		for id := range info.Sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		w.u32(uint32(len(ids)))
		for _, id := range ids {
			cp := info.Sessions[id]
			w.u32(uint32(len(id)))
			w.raw([]byte(id))
			w.u64(uint64(cp.UntilSerialNo))
			w.u32(uint32(len(cp.ExcludedSerialNos)))
			for _, ex := range cp.ExcludedSerialNos {
				w.u64(uint64(ex))
			}
		}

	default:
		return nil, fmt.Errorf("binary serializer: unknown kind %d", meta.Kind)
	}
	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, meta *common.Metadata) error {
	r := &reader{buf: data}
	kind := common.Kind(r.u8())

	switch kind {
	case common.KindIndex:
		info := &common.IndexInfo{}
		copy(info.Token[:], r.raw(16))
		info.Version = r.u32()
		info.StartAddress = hlog.Address(r.u64())
		info.FinalAddress = hlog.Address(r.u64())
		info.NumEntries = r.u64()
		info.HashSeed = r.u64()
		info.Created = time.Unix(0, int64(r.u64()))
		if r.err != nil {
			return r.err
		}
		*meta = common.Metadata{Kind: kind, Index: info}

	case common.KindLog:
		info := &common.LogInfo{}
		copy(info.Token[:], r.raw(16))
		info.Version = r.u32()
		info.BeginAddress = hlog.Address(r.u64())
		info.FinalAddress = hlog.Address(r.u64())
		info.Created = time.Unix(0, int64(r.u64()))

		n := r.u32()
		info.Sessions = make(map[string]common.CommitPoint, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			id := string(r.raw(int(r.u32())))
			cp := common.CommitPoint{UntilSerialNo: int64(r.u64())}
			excluded := r.u32()
			for j := uint32(0); j < excluded && r.err == nil; j++ {
				cp.ExcludedSerialNos = append(cp.ExcludedSerialNos, int64(r.u64()))
			}
			info.Sessions[id] = cp
		}
		if r.err != nil {
			return r.err
		}
		*meta = common.Metadata{Kind: kind, Log: info}

	default:
		if r.err != nil {
			return r.err
		}
		return fmt.Errorf("binary serializer: unknown kind %d", kind)
	}
	return nil
}

func (b binarySerializerImpl) Name() string { return "binary" }

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) raw(v []byte) { w.buf = append(w.buf, v...) }

// reader remembers the first error, later reads return zero values
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) raw(n int) []byte {
	return r.take(n)
}
