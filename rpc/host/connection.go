package host

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/serializer"
	"github.com/ValentinKolb/dMux/rpc/transport/base"
)

// ClientConnection is one accepted peer. It is owned by the ConnectionHost,
// workers only read from and write to it.
type ClientConnection struct {
	conn     net.Conn
	host     string
	port     uint16
	cookie   common.Cookie
	accepted time.Time

	alive     atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func newClientConnection(conn net.Conn, host string, port uint16, cookie common.Cookie) *ClientConnection {
	c := &ClientConnection{
		conn:     conn,
		host:     host,
		port:     port,
		cookie:   cookie,
		accepted: time.Now(),
	}
	c.alive.Store(true)
	return c
}

// IsValid reports whether c refers to a live connection. It is safe to call
// on nil, which is what lookups return on a miss.
func (c *ClientConnection) IsValid() bool {
	return c != nil && c.alive.Load()
}

// Conn returns the socket
func (c *ClientConnection) Conn() net.Conn {
	return c.conn
}

// Cookie returns the cookie assigned at accept time
func (c *ClientConnection) Cookie() common.Cookie {
	return c.cookie
}

// Host returns the peer address (IP, or socket path for unix peers)
func (c *ClientConnection) Host() string {
	return c.host
}

// Port returns the peer port (0 for unix peers)
func (c *ClientConnection) Port() uint16 {
	return c.port
}

// AcceptedAt returns the time the connection was registered
func (c *ClientConnection) AcceptedAt() time.Time {
	return c.accepted
}

// WriteMessage writes msg as one frame. A timeout of zero disables the write
// deadline.
func (c *ClientConnection) WriteMessage(s serializer.IRPCSerializer, msg common.RemoteMessage, timeout time.Duration) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.alive.Load() {
		return 0, fmt.Errorf("connection %s is closed", c.cookie)
	}
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	return base.WriteMessage(c.conn, s, msg)
}

func (c *ClientConnection) String() string {
	if c == nil {
		return "<invalid connection>"
	}
	if c.port == 0 {
		return fmt.Sprintf("%s@%s", c.cookie, c.host)
	}
	return fmt.Sprintf("%s@%s:%d", c.cookie, c.host, c.port)
}

// close marks the connection dead and closes the socket once
func (c *ClientConnection) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		err = c.conn.Close()
	})
	return err
}
