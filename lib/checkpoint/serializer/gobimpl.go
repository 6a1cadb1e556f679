package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IMetaSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IMetaSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMetaSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(meta common.Metadata) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, meta *common.Metadata) error {
	buf := bytes.NewBuffer(b)
	dec := gob.NewDecoder(buf)
	return dec.Decode(meta)
}

func (g gobSerializerImpl) Name() string { return "gob" }
