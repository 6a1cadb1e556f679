package serializer

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
)

// IMetaSerializer is the interface for all checkpoint metadata serializers
type IMetaSerializer interface {
	// Serialize serializes metadata into a byte array
	Serialize(meta common.Metadata) ([]byte, error)
	// Deserialize deserializes a byte array into metadata
	Deserialize(b []byte, meta *common.Metadata) error
	// Name returns the name used in the configuration
	Name() string
}

// ByName returns the serializer for a configuration value (json, gob, binary)
func ByName(name string) (IMetaSerializer, error) {
	switch strings.ToLower(name) {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "binary", "":
		return NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid checkpoint format: %s. must be one of json, gob, binary", name)
	}
}
