package unix

import (
	"net"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct{}

// NewClientConnector returns the Unix domain socket client connector
func NewClientConnector() transport.IClientConnector {
	return &clientConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(host string, _ uint16) (net.Conn, error) {
	return net.DialTimeout("unix", host, 5*time.Second)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.TransportConf) error {
	return upgrade(conn, config)
}
