package hlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Frame is a record together with its log address, the unit written to a device
type Frame struct {
	Address Address
	Record  *Record
}

// Frame layout: CRC32 (4) + Address (8) + Prev (8) + Version (4) + Flags (1) + KeyLen (4) + ValueLen (4) + Key + Value
const frameHeaderSize = 33

var (
	// ErrCorruptFrame indicates a CRC32 mismatch or a truncated frame
	ErrCorruptFrame = errors.New("hlog: corrupt frame")
)

// encodeFrame encodes a record with its address and a CRC32 checksum.
// The record must not be written concurrently.
func encodeFrame(addr Address, r *Record) []byte {
	return appendFrame(nil, addr, r)
}

// appendFrame appends an encoded frame to dst
func appendFrame(dst []byte, addr Address, r *Record) []byte {
	keyLen, valueLen := len(r.key), len(r.value)
	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize+keyLen+valueLen)...)
	data := dst[start:]

	// CRC32 is written last
	binary.LittleEndian.PutUint64(data[4:12], uint64(addr))
	binary.LittleEndian.PutUint64(data[12:20], uint64(r.prev))
	binary.LittleEndian.PutUint32(data[20:24], r.version)
	data[24] = byte(r.flags.Load() & persistedFlags)
	binary.LittleEndian.PutUint32(data[25:29], uint32(keyLen))
	binary.LittleEndian.PutUint32(data[29:33], uint32(valueLen))
	copy(data[33:33+keyLen], r.key)
	copy(data[33+keyLen:], r.value)

	binary.LittleEndian.PutUint32(data[0:4], crc32.ChecksumIEEE(data[4:]))
	return dst
}

// frameBodySize returns the number of bytes following the header
func frameBodySize(header []byte) int {
	keyLen := binary.LittleEndian.Uint32(header[25:29])
	valueLen := binary.LittleEndian.Uint32(header[29:33])
	return int(keyLen) + int(valueLen)
}

// decodeFrame decodes a complete frame. The returned record owns fresh
// copies of key and value.
func decodeFrame(data []byte) (Address, *Record, error) {
	if len(data) < frameHeaderSize {
		return InvalidAddress, nil, ErrCorruptFrame
	}
	if len(data) != frameHeaderSize+frameBodySize(data) {
		return InvalidAddress, nil, ErrCorruptFrame
	}
	if binary.LittleEndian.Uint32(data[0:4]) != crc32.ChecksumIEEE(data[4:]) {
		return InvalidAddress, nil, ErrCorruptFrame
	}

	addr := Address(binary.LittleEndian.Uint64(data[4:12]))
	keyLen := int(binary.LittleEndian.Uint32(data[25:29]))

	body := make([]byte, len(data)-frameHeaderSize)
	copy(body, data[frameHeaderSize:])

	r := &Record{
		key:     body[:keyLen:keyLen],
		value:   body[keyLen:],
		prev:    Address(binary.LittleEndian.Uint64(data[12:20])),
		version: binary.LittleEndian.Uint32(data[20:24]),
	}
	r.flags.Store(uint32(data[24]) & persistedFlags)
	return addr, r, nil
}
