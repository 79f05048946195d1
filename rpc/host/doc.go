// Package host implements the connection host of the dMux router: the owner
// of the listening socket, of every accepted client socket and of the cookie
// registry.
//
// Ownership:
//
// Sockets are created and closed here and nowhere else. The send and receive
// workers in rpc/server look connections up by cookie, read and write them,
// and report failures back to the core, which calls CloseConnection. To make
// blocked workers return without closing anything, InterruptReceive sets an
// expired deadline on the listener and every client.
//
// Cookies:
//
// AcceptConnection assigns every admitted socket a cookie from a monotonic
// counter that starts at common.CookieFirstRemote. The CookieRegistry keeps
// cookie -> connection and socket -> cookie in two xsync maps, so lookups on
// the hot path never block. Register and Unregister share a mutex, the two
// maps never disagree for a writer.
//
// Access control:
//
// The AccessList is applied to the peer IP before a socket is upgraded or
// registered. Unix domain socket peers have no IP and are always admitted.
package host
