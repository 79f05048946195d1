// Package unix implements the Unix domain socket connectors of the dMux
// transport layer, for clients running on the same machine as the router.
//
// The router address host is used as socket path and the port is ignored.
// A stale socket file is removed before binding and the file is unlinked
// again when the listener closes.
//
// Peers connected over a Unix socket have no IP address. The connection host
// therefore always admits them, regardless of the access list.
package unix
