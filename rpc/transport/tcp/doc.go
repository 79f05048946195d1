// Package tcp implements the TCP connectors of the dMux transport layer.
//
// The connectors only create and tune sockets. Framing, buffering and the
// connection lifecycle are handled by the base package and the connection
// host (see rpc/transport/base and rpc/host).
//
// Socket options from common.TransportConf are applied on both sides:
// TCP_NODELAY, keep-alive period, linger and the kernel buffer sizes.
package tcp
