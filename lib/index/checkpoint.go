package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/klauspost/compress/zstd"
)

// dump format (inside the zstd stream):
//
//	magic (4) | format version (4) | seed (8) | { hash (8) | head (8) }* | end marker (8 zero bytes)
const (
	dumpMagic   = "HKVI"
	dumpVersion = 1
)

// ErrCorruptDump indicates an unreadable index dump
var ErrCorruptDump = errors.New("index: corrupt dump")

// Checkpoint writes a fuzzy dump of all entries with a non-empty chain to w
// and returns the number of entries written
func (ix *Index) Checkpoint(w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("index: failed to create encoder: %w", err)
	}
	bw := bufio.NewWriter(enc)

	header := make([]byte, 16)
	copy(header[0:4], dumpMagic)
	binary.LittleEndian.PutUint32(header[4:8], dumpVersion)
	binary.LittleEndian.PutUint64(header[8:16], ix.seed)
	if _, err := bw.Write(header); err != nil {
		_ = enc.Close()
		return 0, fmt.Errorf("index: failed to write header: %w", err)
	}

	count := 0
	var pair [16]byte
	var writeErr error
	ix.Range(func(hash uint64, head hlog.Address) bool {
		if head == hlog.InvalidAddress {
			return true
		}
		binary.LittleEndian.PutUint64(pair[0:8], hash)
		binary.LittleEndian.PutUint64(pair[8:16], uint64(head))
		if _, writeErr = bw.Write(pair[:]); writeErr != nil {
			return false
		}
		count++
		return true
	})
	if writeErr != nil {
		_ = enc.Close()
		return 0, fmt.Errorf("index: failed to write entries: %w", writeErr)
	}

	// hashes are never 0, so a zero hash ends the dump
	var end [8]byte
	if _, err := bw.Write(end[:]); err != nil {
		_ = enc.Close()
		return 0, fmt.Errorf("index: failed to write end marker: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return 0, fmt.Errorf("index: failed to flush: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("index: failed to close encoder: %w", err)
	}
	return count, nil
}

// Restore replaces the index content with a dump written by Checkpoint and
// returns the number of entries loaded. Only used while nothing else runs.
func (ix *Index) Restore(r io.Reader) (int, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("index: failed to create decoder: %w", err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	header := make([]byte, 16)
	if _, err := io.ReadFull(br, header); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptDump, err)
	}
	if string(header[0:4]) != dumpMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrCorruptDump)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != dumpVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptDump, v)
	}
	ix.Reset(binary.LittleEndian.Uint64(header[8:16]))

	t := ix.table.Load()
	count := 0
	var pair [16]byte
	for {
		if _, err := io.ReadFull(br, pair[0:8]); err != nil {
			return 0, fmt.Errorf("%w: missing end marker: %v", ErrCorruptDump, err)
		}
		hash := binary.LittleEndian.Uint64(pair[0:8])
		if hash == 0 {
			break
		}
		if _, err := io.ReadFull(br, pair[8:16]); err != nil {
			return 0, fmt.Errorf("%w: truncated entry: %v", ErrCorruptDump, err)
		}
		e := &Entry{}
		e.Store(hlog.Address(binary.LittleEndian.Uint64(pair[8:16])))
		t.Store(hash, e)
		count++
	}
	return count, nil
}
