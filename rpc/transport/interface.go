package transport

import (
	"net"

	"github.com/ValentinKolb/dMux/rpc/common"
)

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

// IServerConnector creates the listening socket of a router. Implementations
// exist for TCP, Unix domain sockets and WebSocket.
type IServerConnector interface {
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
	// Listen binds host/port and returns the listening socket.
	// Transports without ports (unix) treat host as the address.
	Listen(host string, port uint16) (net.Listener, error)
	// UpgradeConnection applies socket options to an accepted connection
	UpgradeConnection(conn net.Conn, config common.TransportConf) error
}

// --------------------------------------------------------------------------
// Client side
// --------------------------------------------------------------------------

// IClientConnector dials a router
type IClientConnector interface {
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
	// Connect establishes a single connection to host/port
	Connect(host string, port uint16) (net.Conn, error)
	// UpgradeConnection applies socket options to a dialled connection
	UpgradeConnection(conn net.Conn, config common.TransportConf) error
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// PeerAddress splits the remote address of conn into host and port. Addresses
// without a port (unix sockets) return the whole address as host and port 0.
func PeerAddress(conn net.Conn) (string, uint16) {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "", 0
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), uint16(a.Port)
	case *net.UDPAddr:
		return a.IP.String(), uint16(a.Port)
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var p uint16
	for _, c := range port {
		if c < '0' || c > '9' {
			return host, 0
		}
		p = p*10 + uint16(c-'0')
	}
	return host, p
}
