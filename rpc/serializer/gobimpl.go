package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/dMux/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding.
// Every frame carries its own type description, so it is the largest format.
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Name() string {
	return "gob"
}

func (g gobSerializerImpl) Serialize(msg common.RemoteMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, msg *common.RemoteMessage) error {
	*msg = common.RemoteMessage{}
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(msg)
}
