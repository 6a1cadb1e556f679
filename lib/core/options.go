package core

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/hKV/lib/epoch"
	"github.com/ValentinKolb/hKV/lib/hlog"
)

// LogFileName is the device file created in Options.Dir when no device is configured
const LogFileName = "hlog.dat"

// Options configures a store
type Options struct {
	// Dir holds the log device and the checkpoints. Empty means a volatile
	// store without checkpoint support.
	Dir string
	// Log configures the hybrid log. A nil Log.Device is replaced by a file
	// device in Dir (or a memory device if Dir is empty).
	Log hlog.Options
	// IndexSizeHint presizes the hash index
	IndexSizeHint int
	// HashSeed seeds key hashing, a random seed is used if zero
	HashSeed uint64
	// MaxSessions bounds the number of concurrently open sessions
	MaxSessions int
	// CheckpointFormat selects the metadata serializer (json, gob or binary)
	CheckpointFormat string
	// PhaseTimeout aborts a checkpoint phase that does not finish in time, 0 waits forever
	PhaseTimeout time.Duration
}

// DefaultOptions returns a volatile store configuration
func DefaultOptions() Options {
	return Options{
		Log:              hlog.DefaultOptions(),
		IndexSizeHint:    1 << 16,
		MaxSessions:      epoch.DefaultTableSize,
		CheckpointFormat: "binary",
	}
}

func (o *Options) normalize() error {
	def := DefaultOptions()
	if o.IndexSizeHint <= 0 {
		o.IndexSizeHint = def.IndexSizeHint
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = def.MaxSessions
	}
	if o.CheckpointFormat == "" {
		o.CheckpointFormat = def.CheckpointFormat
	}
	if o.PhaseTimeout < 0 {
		return fmt.Errorf("core: negative phase timeout %s", o.PhaseTimeout)
	}
	if o.Log.Device == nil && o.Dir != "" {
		dev, err := hlog.NewFileDevice(filepath.Join(o.Dir, LogFileName))
		if err != nil {
			return fmt.Errorf("core: failed to open log device: %w", err)
		}
		o.Log.Device = dev
	}
	return nil
}
