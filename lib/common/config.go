package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint/serializer"
	"github.com/ValentinKolb/hKV/lib/core"
	"github.com/ValentinKolb/hKV/lib/hlog"
)

// DeviceType selects the storage device of the hybrid log
type DeviceType string

const (
	DeviceFile   DeviceType = "file"
	DeviceMemory DeviceType = "memory"
)

// EngineConfig holds all user facing parameters of an embedded store
type EngineConfig struct {
	// Storage
	Dir    string
	Device DeviceType

	// Hybrid log geometry
	PageBits     uint8
	MemoryPages  int
	MutablePages int
	MaxPages     int

	// Device reads per second, 0 disables throttling
	ReadsPerSecond float64
	// Device reads in flight
	MaxConcurrentReads int

	// Index and sessions
	IndexSizeHint int
	MaxSessions   int

	// Checkpoints
	CheckpointFormat string
	PhaseTimeout     time.Duration

	// Logging configuration
	LogLevel string
}

// DefaultEngineConfig mirrors core.DefaultOptions with a file device
func DefaultEngineConfig() EngineConfig {
	opts := core.DefaultOptions()
	return EngineConfig{
		Device:             DeviceFile,
		PageBits:           opts.Log.PageBits,
		MemoryPages:        opts.Log.MemoryPages,
		MutablePages:       opts.Log.MutablePages,
		MaxPages:           opts.Log.MaxPages,
		MaxConcurrentReads: opts.Log.MaxConcurrentReads,
		IndexSizeHint:      opts.IndexSizeHint,
		MaxSessions:        opts.MaxSessions,
		CheckpointFormat:   opts.CheckpointFormat,
		PhaseTimeout:       time.Minute,
		LogLevel:           "info",
	}
}

// Validate reports the first invalid parameter
func (c *EngineConfig) Validate() error {
	switch c.Device {
	case DeviceFile:
		if c.Dir == "" {
			return fmt.Errorf("config: device %q requires a data directory", c.Device)
		}
	case DeviceMemory:
	default:
		return fmt.Errorf("config: unknown device type %q", c.Device)
	}
	if c.PageBits == 0 || c.PageBits > 30 {
		return fmt.Errorf("config: page bits must be in [1, 30], got %d", c.PageBits)
	}
	if c.MutablePages > c.MemoryPages {
		return fmt.Errorf("config: mutable pages (%d) exceed memory pages (%d)", c.MutablePages, c.MemoryPages)
	}
	if _, err := serializer.ByName(c.CheckpointFormat); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Options converts the configuration into core.Options. A memory device is
// created here; file devices are opened by the store inside Dir.
func (c *EngineConfig) Options() (core.Options, error) {
	if err := c.Validate(); err != nil {
		return core.Options{}, err
	}
	opts := core.Options{
		Dir: c.Dir,
		Log: hlog.Options{
			PageBits:           c.PageBits,
			MemoryPages:        c.MemoryPages,
			MutablePages:       c.MutablePages,
			MaxPages:           c.MaxPages,
			ReadsPerSecond:     c.ReadsPerSecond,
			MaxConcurrentReads: c.MaxConcurrentReads,
		},
		IndexSizeHint:    c.IndexSizeHint,
		MaxSessions:      c.MaxSessions,
		CheckpointFormat: c.CheckpointFormat,
		PhaseTimeout:     c.PhaseTimeout,
	}
	if c.Device == DeviceMemory {
		opts.Log.Device = hlog.NewMemoryDevice()
	}
	return opts, nil
}

// String returns a formatted string representation of the configuration
func (c *EngineConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Storage")
	addField("Device", string(c.Device))
	if c.Dir == "" {
		addField("Data Directory", "(none, checkpoints disabled)")
	} else {
		addField("Data Directory", c.Dir)
	}

	addSection("Hybrid Log")
	addField("Records per Page", fmt.Sprintf("%d", 1<<c.PageBits))
	addField("Memory Pages", fmt.Sprintf("%d", c.MemoryPages))
	addField("Mutable Pages", fmt.Sprintf("%d", c.MutablePages))
	addField("Max Pages", fmt.Sprintf("%d", c.MaxPages))
	if c.ReadsPerSecond > 0 {
		addField("Device Reads", fmt.Sprintf("%.0f / sec", c.ReadsPerSecond))
	} else {
		addField("Device Reads", "unlimited")
	}
	addField("Concurrent Reads", fmt.Sprintf("%d", c.MaxConcurrentReads))

	addSection("Index and Sessions")
	addField("Index Size Hint", fmt.Sprintf("%d", c.IndexSizeHint))
	addField("Max Sessions", fmt.Sprintf("%d", c.MaxSessions))

	addSection("Checkpoints")
	addField("Format", c.CheckpointFormat)
	if c.PhaseTimeout > 0 {
		addField("Phase Timeout", c.PhaseTimeout.String())
	} else {
		addField("Phase Timeout", "none")
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
