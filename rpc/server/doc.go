// Package server implements the dMux router core: a message router that
// accepts client connections, assigns each a cookie during a handshake and
// forwards messages between clients by cookie.
//
// Key Components:
//
//   - ServiceCore: the public face of the router. It owns a connection host
//     (rpc/host), a send worker, a receive worker and a retry timer. All
//     lifecycle work happens on one dispatcher goroutine that processes
//     commands from a lock-free queue in submission order.
//
//   - sendWorker: writes outbound messages from a multi-producer queue. A
//     failed write drops the message and reports the connection as lost.
//
//   - receiveWorker: waits on the listening socket and all clients at once.
//     An accept goroutine and one reader per client feed a channel that is
//     processed serially, so routing decisions never run concurrently.
//
//   - RetryTimer: arms the next connection attempt when the socket could not
//     be created. Arming replaces a pending retry.
//
//   - Handler table: messages addressed to the router are delivered on the
//     dispatcher to the IMessageHandler registered for their MessageID, or to
//     the default handler. A non-nil reply goes back to the sender.
//
// Lifecycle:
//
//	Idle --connect--> Connecting --socket ok--> Connected
//	Connecting --socket error--> Connecting (retry armed)
//	Connected --listener lost / reconnect--> Reconnecting --> Connecting
//	any running state --disconnect--> Stopping --> Stopped
//
// Disconnecting always stops the receive worker first, interrupts blocked
// reads, flushes and stops the send worker and closes the sockets last.
//
// Routing:
//
// Every received message is classified by decideRoute (see routing.go):
// forwarded to another client, delivered locally, answered as a handshake, or
// ignored. There is no broadcast, a message to an unknown target is dropped.
//
// Observability:
//
// Counters live in a per-core VictoriaMetrics set (WritePrometheus),
// throughput meters in a go-metrics registry. Stats returns a snapshot of
// both, and is logged periodically when RouterConfig.StatsInterval is set.
package server
