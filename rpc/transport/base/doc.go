// Package base contains the transport independent parts of the dMux wire
// protocol. Connectors (tcp, unix, ws) only create sockets, everything that
// happens on top of a socket lives here.
//
// Framing:
//
// Every message travels as one frame:
//
//	+----------------+---------------------------+
//	| length (4, BE) | serializer body (length)  |
//	+----------------+---------------------------+
//
// The body is produced by an rpc/serializer implementation. Frames longer than
// the configured maximum are rejected before any allocation, the stream is
// unusable afterwards. A body that is read completely but does not decode, or
// whose checksum does not match, is reported as *ProtocolError and the stream
// stays in sync.
//
// Key Components:
//
//   - ServerSocket: the listening socket of the router. It is opened and closed
//     by the connection host, Accept is interrupted through SetDeadline.
//
//   - ClientConn: a dialled connection with write serialization, exponential
//     backoff on (re)connect and a reusable read buffer.
//
// Performance Optimizations:
//
//   - Buffer Pooling: GetBuffer/PutBuffer share read buffers between
//     connections through a sync.Pool, reducing GC pressure.
//
//   - Frame Batching: WriteFrame uses net.Buffers so the length prefix and the
//     body go out in a single write call.
package base
