// Package transport defines the socket boundary of dMux. The router core
// never opens sockets itself, it asks an IServerConnector for a listener and
// lets it tune accepted connections; the client library does the same with an
// IClientConnector.
//
// Key Components:
//
//   - IServerConnector: creates listening sockets and applies socket options
//     to accepted connections.
//
//   - IClientConnector: dials a router and applies socket options.
//
//   - base: length-prefixed framing, the listening socket wrapper owned by the
//     connection host and the dialled client connection.
//
//   - tcp, unix, ws: the concrete connectors.
package transport
