package base

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/serializer"
)

const (
	// lengthPrefixSize is the size of the frame length prefix
	lengthPrefixSize = 4
	// defaultBufferSize is the size of pooled read buffers
	defaultBufferSize = 64 * 1024
)

// bufferPool holds read buffers shared by all connections
var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, defaultBufferSize)
		return &b
	},
}

// GetBuffer takes a read buffer from the pool
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer. Buffers that grew far
// beyond the default size are dropped.
func PutBuffer(b *[]byte) {
	if b == nil || cap(*b) > 4*defaultBufferSize {
		return
	}
	bufferPool.Put(b)
}

// ProtocolError wraps a failure to decode a frame that was read completely.
// The stream is still in sync, only the single message is lost.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// WriteFrame writes a frame with the format:
// - 4 bytes: body length (uint32, big endian)
// - N bytes: body
func WriteFrame(w io.Writer, body []byte) error {
	prefix := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(prefix, uint32(len(body)))

	b := net.Buffers{prefix, body}
	_, err := b.WriteTo(w)
	return err
}

// ReadFrame reads one frame body into buf. If buf is too small a new slice is
// allocated and returned, the caller keeps ownership of buf either way.
// A length above max (0 = common.DefaultMaxFrameSize) is an error, the stream
// cannot be resynchronised after it.
func ReadFrame(r io.Reader, buf []byte, max uint32) ([]byte, error) {
	if max == 0 {
		max = common.DefaultMaxFrameSize
	}

	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > max {
		return nil, &common.FrameTooLargeError{Size: size, Max: max}
	}
	if size == 0 {
		return buf[:0], nil
	}

	if uint32(cap(buf)) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteMessage serializes msg and writes it as one frame
func WriteMessage(w io.Writer, s serializer.IRPCSerializer, msg common.RemoteMessage) (int, error) {
	body, err := s.Serialize(msg)
	if err != nil {
		return 0, &ProtocolError{Err: err}
	}
	if err := WriteFrame(w, body); err != nil {
		return 0, err
	}
	return lengthPrefixSize + len(body), nil
}

// ReadMessage reads one frame and decodes it. A *ProtocolError means the frame
// was consumed but its content is invalid (undecodable or checksum mismatch);
// any other error means the stream is broken.
func ReadMessage(r io.Reader, s serializer.IRPCSerializer, buf []byte, max uint32) (common.RemoteMessage, int, error) {
	var msg common.RemoteMessage

	body, err := ReadFrame(r, buf, max)
	if err != nil {
		return msg, 0, err
	}
	n := lengthPrefixSize + len(body)

	if err := s.Deserialize(body, &msg); err != nil {
		return msg, n, &ProtocolError{Err: err}
	}
	if err := msg.Verify(); err != nil {
		return msg, n, &ProtocolError{Err: err}
	}
	return msg, n, nil
}
