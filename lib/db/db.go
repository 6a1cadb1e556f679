package db

import "errors"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplHybrid Implementation = "hybrid"
)

// ErrNotSupported is returned by operations an implementation does not provide
var ErrNotSupported = errors.New("db: operation not supported")

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureSet        Feature = 1 << iota // Support for Set operations
	FeatureGet                            // Support for Get operations
	FeatureHas                            // Support for Has operations
	FeatureDelete                         // Support for Delete operations
	FeatureIncrement                      // Support for Increment operations
	FeatureAppend                         // Support for Append operations
	FeatureCheckpoint                     // Support for Checkpoint operations
	FeatureRecover                        // Support for Recover operations
)

func (f Feature) String() string {
	switch f {
	case FeatureSet:
		return "Set"
	case FeatureGet:
		return "Get"
	case FeatureHas:
		return "Has"
	case FeatureDelete:
		return "Delete"
	case FeatureIncrement:
		return "Increment"
	case FeatureAppend:
		return "Append"
	case FeatureCheckpoint:
		return "Checkpoint"
	case FeatureRecover:
		return "Recover"
	default:
		return "Unknown"
	}
}

// MarshalText makes features readable in JSON output
func (f Feature) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for byte oriented key-value databases.
// All methods are safe for concurrent use. Implementations can vary in their
// feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry. The value is copied.
	Set(key string, value []byte) (err error)

	// Delete removes an entry. Deleting a missing key is not an error.
	Delete(key string) (err error)

	// Increment atomically adds delta to the counter stored at key and returns
	// the new value. A missing key starts at 0. Counters are stored as 8 byte
	// little endian integers, a value of any other size is treated as 0.
	Increment(key string, delta int64) (value int64, err error)

	// Append atomically appends data to the value stored at key (creating it
	// if missing) and returns the new length of the value.
	Append(key string, data []byte) (length int, err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves a copy of the value for an exact key.
	// The boolean return value indicates whether a value for the key was found.
	Get(key string) (value []byte, loaded bool, err error)

	// Has checks whether a key exists in the database.
	Has(key string) (loaded bool, err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Checkpoint persists a consistent state and returns its token. All
	// writes that returned before the call are contained.
	Checkpoint() (token string, err error)

	// Recover restores the state of a checkpoint. It must be called on a
	// freshly opened database before any other operation.
	Recover(token string) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database.
	Close() (err error)
}
