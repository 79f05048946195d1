package serializer

import (
	"encoding/binary"

	"github.com/ValentinKolb/dMux/rpc/common"
)

// NewBinarySerializer creates the serializer of the wire format:
//
//	4 bytes  messageId (uint32, big endian)
//	8 bytes  source cookie (uint64, big endian)
//	8 bytes  target cookie (uint64, big endian)
//	4 bytes  checksum (uint32, big endian)
//	4 bytes  payload length (uint32, big endian)
//	N bytes  payload
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// HeaderSize is the size of the fixed binary header
const HeaderSize = 28

// binarySerializerImpl implements IRPCSerializer with the fixed binary header
type binarySerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Name() string {
	return "binary"
}

func (b binarySerializerImpl) Serialize(msg common.RemoteMessage) ([]byte, error) {
	result := make([]byte, HeaderSize+len(msg.Payload))

	binary.BigEndian.PutUint32(result[0:4], uint32(msg.MessageID))
	binary.BigEndian.PutUint64(result[4:12], uint64(msg.Source))
	binary.BigEndian.PutUint64(result[12:20], uint64(msg.Target))
	binary.BigEndian.PutUint32(result[20:24], msg.Checksum)
	binary.BigEndian.PutUint32(result[24:28], uint32(len(msg.Payload)))
	copy(result[HeaderSize:], msg.Payload)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.RemoteMessage) error {
	if len(data) < HeaderSize {
		return &common.ShortFrameError{Name: "message header", Size: len(data), Minimum: HeaderSize}
	}

	payloadLen := int(binary.BigEndian.Uint32(data[24:28]))
	if len(data)-HeaderSize < payloadLen {
		return &common.ShortFrameError{Name: "message payload", Size: len(data) - HeaderSize, Minimum: payloadLen}
	}

	msg.MessageID = common.MessageID(binary.BigEndian.Uint32(data[0:4]))
	msg.Source = common.Cookie(binary.BigEndian.Uint64(data[4:12]))
	msg.Target = common.Cookie(binary.BigEndian.Uint64(data[12:20]))
	msg.Checksum = binary.BigEndian.Uint32(data[20:24])

	// copy, the frame buffer goes back to a pool
	if payloadLen > 0 {
		msg.Payload = make([]byte, payloadLen)
		copy(msg.Payload, data[HeaderSize:HeaderSize+payloadLen])
	} else {
		msg.Payload = nil
	}

	return nil
}
