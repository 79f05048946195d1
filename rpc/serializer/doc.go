// Package serializer converts RemoteMessages to frame bodies and back.
//
// The transport layer only knows length-prefixed frames; what goes inside a
// frame is decided here. Three implementations exist:
//
//   - binarySerializerImpl: the wire format of dMux. A fixed 28 byte header
//     (message id, source cookie, target cookie, checksum, payload length)
//     followed by the raw payload. Fast, compact, and the default.
//
//   - jsonSerializerImpl: human readable frames, handy when debugging a
//     client with a packet capture or when talking to non-Go peers.
//
//   - gobSerializerImpl: Go's gob encoding. Larger and slower than binary,
//     kept for Go-only deployments that already speak gob.
//
// Deserialize never keeps references to its input, so callers can return
// frame buffers to a pool right after decoding.
//
// All implementations are stateless and safe for concurrent use.
package serializer
