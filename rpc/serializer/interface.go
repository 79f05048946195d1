package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dMux/rpc/common"
)

// IRPCSerializer converts a RemoteMessage to the body of a frame and back
type IRPCSerializer interface {
	// Serialize serializes a RemoteMessage into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg common.RemoteMessage) ([]byte, error)
	// Deserialize deserializes a byte array into a RemoteMessage
	// The message must not keep references to b, callers reuse their buffers
	Deserialize(b []byte, msg *common.RemoteMessage) error
	// Name returns the name used in configuration
	Name() string
}

// ByName returns the serializer configured under name
func ByName(name string) (IRPCSerializer, error) {
	switch name {
	case "binary", "":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s (expected binary, json or gob)", name)
	}
}
