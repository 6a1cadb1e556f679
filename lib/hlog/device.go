package hlog

import (
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrNotOnDevice is returned by Device.Read for addresses that were never
// written or were truncated away
var ErrNotOnDevice = errors.New("hlog: address not on device")

// Device is the secondary storage of the hybrid log. Frames are written in
// increasing address order by a single flusher at a time; reads may run
// concurrently with writes.
type Device interface {
	// Write persists frames. It must not retain the records.
	Write(frames []Frame) error
	// Read returns a private copy of the record stored at addr
	Read(addr Address) (*Record, error)
	// Truncate drops every frame with an address >= from
	Truncate(from Address) error
	// Sync makes previous writes durable
	Sync() error
	Close() error
}

// --------------------------------------------------------------------------
// Memory Device
// --------------------------------------------------------------------------

// MemoryDevice keeps encoded frames in memory. Useful for tests and for
// stores that only need checkpoints within one process.
type MemoryDevice struct {
	frames *xsync.MapOf[Address, []byte]
}

// NewMemoryDevice creates an empty memory device
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{frames: xsync.NewMapOf[Address, []byte]()}
}

func (d *MemoryDevice) Write(frames []Frame) error {
	for _, f := range frames {
		d.frames.Store(f.Address, encodeFrame(f.Address, f.Record))
	}
	return nil
}

func (d *MemoryDevice) Read(addr Address) (*Record, error) {
	data, ok := d.frames.Load(addr)
	if !ok {
		return nil, ErrNotOnDevice
	}
	_, r, err := decodeFrame(data)
	return r, err
}

func (d *MemoryDevice) Truncate(from Address) error {
	d.frames.Range(func(addr Address, _ []byte) bool {
		if addr >= from {
			d.frames.Delete(addr)
		}
		return true
	})
	return nil
}

// Len returns the number of frames on the device
func (d *MemoryDevice) Len() int {
	return d.frames.Size()
}

func (d *MemoryDevice) Sync() error { return nil }
func (d *MemoryDevice) Close() error { return nil }
