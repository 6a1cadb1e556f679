package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IMetaSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IMetaSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMetaSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(meta common.Metadata) ([]byte, error) {
	return json.MarshalIndent(meta, "", "  ")
}

func (j jsonSerializerImpl) Deserialize(b []byte, meta *common.Metadata) error {
	return json.Unmarshal(b, meta)
}

func (j jsonSerializerImpl) Name() string { return "json" }
