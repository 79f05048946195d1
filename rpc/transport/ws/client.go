package ws

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/gorilla/websocket"
)

// clientConnector implements the IClientConnector interface for WebSocket
type clientConnector struct {
	dialer websocket.Dialer
}

// NewClientConnector returns the WebSocket client connector
func NewClientConnector() transport.IClientConnector {
	return &clientConnector{
		dialer: websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "ws"
}

func (c *clientConnector) Connect(host string, port uint16) (net.Conn, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(int(port))),
		Path:   Path,
	}

	ws, resp, err := c.dialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %v", u.String(), err)
	}
	ws.SetReadLimit(readLimit)
	return newConn(ws), nil
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.TransportConf) error {
	return ApplyOptions(conn, config)
}
