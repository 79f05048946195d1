package tcp

import (
	"net"
	"strconv"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
)

// dialTimeout bounds a single connect attempt
const dialTimeout = 5 * time.Second

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct{}

// NewClientConnector returns the TCP client connector
func NewClientConnector() transport.IClientConnector {
	return &clientConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(host string, port uint16) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), dialTimeout)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.TransportConf) error {
	return ApplyOptions(conn, config)
}
