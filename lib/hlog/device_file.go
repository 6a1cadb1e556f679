package hlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// FileDevice is an append-only file of CRC32 framed records. The address to
// offset map is rebuilt when the file is opened; a partial trailing frame
// (crash during a write) is cut off.
//
// Truncate appends a marker frame with address 0 whose previous address is
// the truncation point, so the truncation survives a reopen.
//
// Thread-safety: Write, Truncate and Sync serialize on a mutex, Read is lock free.
type FileDevice struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	offsets *xsync.MapOf[Address, int64]
}

// NewFileDevice opens or creates the log file at path
func NewFileDevice(path string) (*FileDevice, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("hlog: failed to create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("hlog: failed to open file: %w", err)
	}

	d := &FileDevice{
		file:    file,
		path:    path,
		offsets: xsync.NewMapOf[Address, int64](),
	}
	if err := d.rebuild(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return d, nil
}

// rebuild scans the file and restores the offset map
func (d *FileDevice) rebuild() error {
	info, err := d.file.Stat()
	if err != nil {
		return fmt.Errorf("hlog: failed to stat file: %w", err)
	}
	fileSize := info.Size()

	var offset int64
	header := make([]byte, frameHeaderSize)
	for offset < fileSize {
		if _, err := d.file.ReadAt(header, offset); err != nil {
			break
		}
		total := int64(frameHeaderSize + frameBodySize(header))
		if offset+total > fileSize {
			break
		}
		data := make([]byte, total)
		if _, err := d.file.ReadAt(data, offset); err != nil {
			break
		}
		addr, r, err := decodeFrame(data)
		if err != nil {
			break
		}
		if addr == InvalidAddress {
			d.dropFrom(r.prev)
		} else {
			d.offsets.Store(addr, offset)
		}
		offset += total
	}

	if offset < fileSize {
		Logger.Warningf("cutting %d bytes of partial frames from %s", fileSize-offset, d.path)
		if err := d.file.Truncate(offset); err != nil {
			return fmt.Errorf("hlog: failed to truncate: %w", err)
		}
	}
	d.size = offset
	return nil
}

func (d *FileDevice) dropFrom(from Address) {
	d.offsets.Range(func(addr Address, _ int64) bool {
		if addr >= from {
			d.offsets.Delete(addr)
		}
		return true
	})
}

func (d *FileDevice) Write(frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}

	var buf []byte
	positions := make([]int64, len(frames))
	for i, f := range frames {
		positions[i] = int64(len(buf))
		buf = appendFrame(buf, f.Address, f.Record)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.WriteAt(buf, d.size); err != nil {
		return fmt.Errorf("hlog: failed to write frames: %w", err)
	}
	for i, f := range frames {
		d.offsets.Store(f.Address, d.size+positions[i])
	}
	d.size += int64(len(buf))
	return nil
}

func (d *FileDevice) Read(addr Address) (*Record, error) {
	offset, ok := d.offsets.Load(addr)
	if !ok {
		return nil, ErrNotOnDevice
	}

	header := make([]byte, frameHeaderSize)
	if _, err := d.file.ReadAt(header, offset); err != nil {
		return nil, fmt.Errorf("hlog: failed to read header at %d: %w", offset, err)
	}
	data := make([]byte, frameHeaderSize+frameBodySize(header))
	if _, err := d.file.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("hlog: failed to read frame at %d: %w", offset, err)
	}

	stored, r, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}
	if stored != addr {
		return nil, fmt.Errorf("%w: expected address %d, found %d", ErrCorruptFrame, addr, stored)
	}
	return r, nil
}

func (d *FileDevice) Truncate(from Address) error {
	marker := NewRecord(nil, nil, from, 0)
	buf := encodeFrame(InvalidAddress, marker)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.WriteAt(buf, d.size); err != nil {
		return fmt.Errorf("hlog: failed to write truncation marker: %w", err)
	}
	d.size += int64(len(buf))
	d.dropFrom(from)
	return d.file.Sync()
}

func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Sync()
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("hlog: failed to sync on close: %w", err)
	}
	return d.file.Close()
}

// Len returns the number of addressable frames
func (d *FileDevice) Len() int {
	return d.offsets.Size()
}
