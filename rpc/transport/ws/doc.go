// Package ws implements a WebSocket transport for dMux, for clients that can
// only open HTTP connections (browsers, proxies).
//
// The server connector runs an HTTP server on host:port and upgrades requests
// to Path. Upgraded connections are handed to Accept, so the router treats
// them like any other socket. Each Write becomes one binary websocket message
// and Read joins incoming binary messages into a byte stream, which keeps the
// length-prefixed framing of the base package unchanged.
//
// The access list is not applied at the HTTP level. The connection host checks
// the peer address after Accept, as for TCP.
package ws
