package host

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LoggerHost)

// ErrNotListening is returned by Accept while no socket is open
var ErrNotListening = errors.New("connection host is not listening")

// ConnectionHost owns the listening socket and every accepted client. It is
// the only place that assigns cookies and closes sockets.
type ConnectionHost struct {
	connector transport.IServerConnector
	options   common.TransportConf
	access    *AccessList
	registry  *CookieRegistry

	mu     sync.Mutex // protects host, port and socket
	host   string
	port   uint16
	socket *base.ServerSocket
}

// NewConnectionHost creates a host without a socket. A nil access list admits
// every peer.
func NewConnectionHost(connector transport.IServerConnector, options common.TransportConf, access *AccessList) *ConnectionHost {
	if access == nil {
		access = NewAccessList(common.AccessDefaultAccept, nil, nil)
	}
	return &ConnectionHost{
		connector: connector,
		options:   options,
		access:    access,
		registry:  NewCookieRegistry(),
		host:      common.DefaultServiceHost,
		port:      common.DefaultServicePort,
	}
}

// --------------------------------------------------------------------------
// Socket
// --------------------------------------------------------------------------

// SetAddress changes the address used by the next CreateSocket. It fails
// while the socket is open.
func (h *ConnectionHost) SetAddress(host string, port uint16) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.socket != nil {
		Logger.Warningf("Cannot change address to %s:%d while listening on %s", host, port, h.socket.Addr())
		return false
	}
	h.host, h.port = host, port
	return true
}

// Address returns the configured address
func (h *ConnectionHost) Address() (string, uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.host, h.port
}

// ListenAddr returns the bound address, nil while not listening
func (h *ConnectionHost) ListenAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.socket == nil {
		return nil
	}
	return h.socket.Addr()
}

// CreateSocket opens the listening socket. On failure the error is logged
// and the host stays without a socket.
func (h *ConnectionHost) CreateSocket() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.socket != nil {
		return true
	}

	socket, err := base.Listen(h.connector, h.host, h.port)
	if err != nil {
		Logger.Errorf("Failed to create socket: %v", err)
		return false
	}
	h.socket = socket
	return true
}

// IsListening reports whether the socket is open
func (h *ConnectionHost) IsListening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.socket != nil
}

// CloseSocket closes the listening socket and every client and clears the
// registry
func (h *ConnectionHost) CloseSocket() {
	h.mu.Lock()
	socket := h.socket
	h.socket = nil
	h.mu.Unlock()

	if socket != nil {
		if err := socket.Close(); err != nil {
			Logger.Warningf("Error closing listening socket: %v", err)
		}
	}

	for _, c := range h.registry.UnregisterAll() {
		if err := c.close(); err != nil {
			Logger.Debugf("Error closing client %s: %v", c, err)
		}
	}
}

// InterruptReceive makes every blocked Accept and Read return with a timeout
// error. Sockets stay open.
func (h *ConnectionHost) InterruptReceive() {
	past := time.Now().Add(-time.Second)

	h.mu.Lock()
	socket := h.socket
	h.mu.Unlock()

	if socket != nil {
		if err := socket.SetDeadline(past); err != nil {
			Logger.Debugf("Cannot interrupt accept: %v", err)
		}
	}

	h.registry.byCookie.Range(func(_ common.Cookie, c *ClientConnection) bool {
		if err := c.conn.SetReadDeadline(past); err != nil {
			Logger.Debugf("Cannot interrupt read of %s: %v", c, err)
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Clients
// --------------------------------------------------------------------------

// Accept blocks until a peer connects to the listening socket
func (h *ConnectionHost) Accept() (net.Conn, error) {
	h.mu.Lock()
	socket := h.socket
	h.mu.Unlock()

	if socket == nil {
		return nil, ErrNotListening
	}
	return socket.Accept()
}

// AcceptConnection admits conn: applies the access list, upgrades the socket
// and registers it with a fresh cookie. Rejected connections are closed.
func (h *ConnectionHost) AcceptConnection(conn net.Conn) (common.Cookie, bool) {
	peerHost, peerPort := transport.PeerAddress(conn)

	if !isUnixConn(conn) && !h.access.IsAllowed(peerHost) {
		Logger.Infof("Rejected connection from %s (access list)", peerHost)
		conn.Close()
		return common.CookieUnknown, false
	}

	if err := h.connector.UpgradeConnection(conn, h.options); err != nil {
		Logger.Warningf("Failed to upgrade connection from %s: %v", peerHost, err)
		conn.Close()
		return common.CookieUnknown, false
	}

	c := h.registry.Register(conn, peerHost, peerPort)
	Logger.Infof("Accepted connection %s", c)
	return c.Cookie(), true
}

// CloseConnection unregisters cookie and closes its socket. It reports
// whether this call closed it, unknown cookies are ignored.
func (h *ConnectionHost) CloseConnection(cookie common.Cookie) bool {
	c := h.registry.Unregister(cookie)
	if c == nil {
		return false
	}
	if err := c.close(); err != nil {
		Logger.Debugf("Error closing client %s: %v", c, err)
	}
	Logger.Infof("Closed connection %s", c)
	return true
}

// GetCookie returns the cookie of conn or common.CookieUnknown
func (h *ConnectionHost) GetCookie(conn net.Conn) common.Cookie {
	return h.registry.CookieOf(conn)
}

// GetClientByCookie returns the connection of cookie or nil
func (h *ConnectionHost) GetClientByCookie(cookie common.Cookie) *ClientConnection {
	return h.registry.Lookup(cookie)
}

// IsRegistered reports whether cookie belongs to a live client
func (h *ConnectionHost) IsRegistered(cookie common.Cookie) bool {
	return h.registry.Contains(cookie)
}

// Clients returns the cookies of all clients in ascending order
func (h *ConnectionHost) Clients() []common.Cookie {
	return h.registry.Cookies()
}

// Len returns the number of clients
func (h *ConnectionHost) Len() int {
	return h.registry.Len()
}

// Access returns the access list consulted by AcceptConnection
func (h *ConnectionHost) Access() *AccessList {
	return h.access
}

// TransportName returns the name of the connector
func (h *ConnectionHost) TransportName() string {
	return h.connector.GetName()
}

// isUnixConn reports whether conn is a unix domain socket. Those peers have no
// IP address (often not even a remote address).
func isUnixConn(conn net.Conn) bool {
	if _, ok := conn.(*net.UnixConn); ok {
		return true
	}
	if addr := conn.LocalAddr(); addr != nil {
		return addr.Network() == "unix"
	}
	return false
}
