package common

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ValentinKolb/hKV/lib/hlog"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Token
// --------------------------------------------------------------------------

// Token identifies a checkpoint
type Token = uuid.UUID

// NilToken is the zero token
var NilToken = uuid.Nil

// NewToken creates a random token
func NewToken() Token { return uuid.New() }

// ParseToken parses the string form of a token
func ParseToken(s string) (Token, error) { return uuid.Parse(s) }

// --------------------------------------------------------------------------
// Commit Point
// --------------------------------------------------------------------------

// CommitPoint is the durability watermark of a session: every operation with
// a serial number <= UntilSerialNo that is not listed in ExcludedSerialNos is
// contained in the checkpoint.
type CommitPoint struct {
	UntilSerialNo     int64   `json:"until_serial_no"`
	ExcludedSerialNos []int64 `json:"excluded_serial_nos,omitempty"`
}

// Covers reports whether the operation with the given serial is durable
func (c CommitPoint) Covers(serial int64) bool {
	return serial <= c.UntilSerialNo && !slices.Contains(c.ExcludedSerialNos, serial)
}

// CoversAll reports whether every operation up to serial is durable
func (c CommitPoint) CoversAll(serial int64) bool {
	if serial > c.UntilSerialNo {
		return false
	}
	for _, ex := range c.ExcludedSerialNos {
		if ex <= serial {
			return false
		}
	}
	return true
}

func (c CommitPoint) String() string {
	if len(c.ExcludedSerialNos) == 0 {
		return fmt.Sprintf("until %d", c.UntilSerialNo)
	}
	parts := make([]string, len(c.ExcludedSerialNos))
	for i, ex := range c.ExcludedSerialNos {
		parts[i] = fmt.Sprint(ex)
	}
	return fmt.Sprintf("until %d excluding [%s]", c.UntilSerialNo, strings.Join(parts, ", "))
}

// --------------------------------------------------------------------------
// Checkpoint Info
// --------------------------------------------------------------------------

// Kind tells which half of a checkpoint a metadata file describes
type Kind uint8

const (
	KindIndex Kind = iota + 1
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindIndex:
		return "index"
	case KindLog:
		return "log"
	default:
		return "unknown"
	}
}

// IndexInfo describes an index checkpoint. The dump may contain chain heads
// up to FinalAddress; recovery replays the log from StartAddress.
type IndexInfo struct {
	Token        Token        `json:"token"`
	Version      uint32       `json:"version"`
	StartAddress hlog.Address `json:"start_address"`
	FinalAddress hlog.Address `json:"final_address"`
	NumEntries   uint64       `json:"num_entries"`
	HashSeed     uint64       `json:"hash_seed"`
	Created      time.Time    `json:"created"`
}

// LogInfo describes a log checkpoint: the log was flushed up to FinalAddress
// and records of versions > Version must be ignored on recovery
type LogInfo struct {
	Token        Token                  `json:"token"`
	Version      uint32                 `json:"version"`
	BeginAddress hlog.Address           `json:"begin_address"`
	FinalAddress hlog.Address           `json:"final_address"`
	Sessions     map[string]CommitPoint `json:"sessions"`
	Created      time.Time              `json:"created"`
}

// Metadata is the unit the serializers read and write
type Metadata struct {
	Kind  Kind       `json:"kind"`
	Index *IndexInfo `json:"index,omitempty"`
	Log   *LogInfo   `json:"log,omitempty"`
}
