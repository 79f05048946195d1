package unix

import (
	"fmt"
	"net"
	"os"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
)

// serverConnector implements the IServerConnector interface for Unix sockets
type serverConnector struct{}

// NewServerConnector returns the Unix domain socket server connector
func NewServerConnector() transport.IServerConnector {
	return &serverConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "unix"
}

// Listen treats host as the socket path, port is ignored
func (c *serverConnector) Listen(host string, _ uint16) (net.Listener, error) {
	if host == "" {
		return nil, fmt.Errorf("unix transport needs a socket path as host")
	}

	// Remove a stale socket file left by a previous run
	if err := os.RemoveAll(host); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}

	listener, err := net.Listen("unix", host)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %v", err)
	}

	// remove the socket file when the listener is closed
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.TransportConf) error {
	return upgrade(conn, config)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// upgrade applies the socket buffer sizes of config to conn
func upgrade(conn net.Conn, config common.TransportConf) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}

	if config.WriteBufferSize > 0 {
		if err := unixConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return err
		}
	}
	if config.ReadBufferSize > 0 {
		if err := unixConn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return err
		}
	}
	return nil
}
