package base

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/serializer"
	"github.com/ValentinKolb/dMux/rpc/transport"
)

// ErrConnClosed is returned by operations on a closed ClientConn
var ErrConnClosed = errors.New("connection closed")

// -----------------------------------------------------------
// Dialled Connection
// -----------------------------------------------------------

// ClientConn is the client side of a router connection. Writes are serialized
// by a mutex, reads must come from a single goroutine.
type ClientConn struct {
	connector  transport.IClientConnector
	serializer serializer.IRPCSerializer
	config     common.ClientConfig

	connMu sync.Mutex // protects conn and writes
	conn   net.Conn
	closed bool

	readBuf []byte
}

// Dial connects to the router described by config. Failed attempts are
// retried config.RetryCount times with exponential backoff.
func Dial(connector transport.IClientConnector, s serializer.IRPCSerializer, config common.ClientConfig) (*ClientConn, error) {
	c := &ClientConn{
		connector:  connector,
		serializer: s,
		config:     config,
		readBuf:    make([]byte, defaultBufferSize),
	}
	if err := c.Reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

// timeout returns the per operation timeout (0 = none)
func (c *ClientConn) timeout() time.Duration {
	return time.Duration(c.config.TimeoutSecond) * time.Second
}

// Reconnect closes the current connection (if any) and dials again
func (c *ClientConn) Reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	// Close the old connection if it exists
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	maxRetries := c.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50
	host, port := c.config.Service.Host, c.config.Service.Port

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := c.dial(host, port)
		if err == nil {
			c.conn = conn
			Logger.Debugf("Connected to %s using %s transport", c.config.Service.Endpoint(), c.connector.GetName())
			return nil
		}

		lastErr = err
		Logger.Debugf("Connect attempt %d/%d failed: %v", i+1, maxRetries, err)

		if i < maxRetries-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return fmt.Errorf("failed to connect to %s after %d attempts: %v", c.config.Service.Endpoint(), maxRetries, lastErr)
}

// dial opens and upgrades a single connection
func (c *ClientConn) dial(host string, port uint16) (net.Conn, error) {
	conn, err := c.connector.Connect(host, port)
	if err != nil {
		return nil, err
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.connector.UpgradeConnection(conn, c.config.Transports); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection: %v", err)
	}
	return conn, nil
}

// WriteMessage sends one message
func (c *ClientConn) WriteMessage(msg common.RemoteMessage) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed || c.conn == nil {
		return ErrConnClosed
	}

	if t := c.timeout(); t > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(t)); err != nil {
			return err
		}
	}

	_, err := WriteMessage(c.conn, c.serializer, msg)
	return err
}

// ReadMessage blocks until the next message arrives. Only one goroutine may
// read at a time. A *ProtocolError leaves the connection usable.
func (c *ClientConn) ReadMessage() (common.RemoteMessage, error) {
	c.connMu.Lock()
	conn := c.conn
	closed := c.closed
	c.connMu.Unlock()

	if closed || conn == nil {
		return common.RemoteMessage{}, ErrConnClosed
	}

	msg, _, err := ReadMessage(conn, c.serializer, c.readBuf, c.config.MaxFrameSize)
	if err != nil {
		return msg, err
	}

	// the read buffer is reused, detach the payload
	if len(msg.Payload) > 0 {
		msg.Payload = append([]byte(nil), msg.Payload...)
	}
	return msg, nil
}

// SetReadDeadline sets the deadline of the next ReadMessage
func (c *ClientConn) SetReadDeadline(t time.Time) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrConnClosed
	}
	return c.conn.SetReadDeadline(t)
}

// LocalAddr returns the local address of the current connection
func (c *ClientConn) LocalAddr() net.Addr {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Close closes the connection. Calling it more than once is a no-op.
func (c *ClientConn) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
