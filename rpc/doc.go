// Package rpc provides the connection management and message routing layer of
// dMux. A router accepts clients on one socket, hands every client a cookie
// during the handshake and forwards binary messages by cookie, either to
// another client or to handlers inside the router process.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures used across the system, including
//     RemoteMessage, cookies and message ids, configuration structures,
//     typed errors and logging.
//
//   - serializer: Encodes a RemoteMessage as a frame body (binary, JSON, GOB).
//     The binary form is the wire header of the protocol.
//
//   - transport: Pluggable connectors (TCP, Unix sockets, WebSocket) and, in
//     base, the length-prefixed framing shared by all of them.
//
//   - host: The ConnectionHost owning the listening socket, the cookie
//     registry of live clients and the access list.
//
//   - server: The ServiceCore with its dispatcher, send and receive workers,
//     retry timer, routing decisions, handler table and metrics.
//
//   - client: A client session performing the handshake and offering
//     send, request/reply and ping.
package rpc
