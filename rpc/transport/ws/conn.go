package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds the write of the close frame
const closeGracePeriod = time.Second

// conn adapts a websocket connection to net.Conn. Every Write is sent as one
// binary message, Read treats the incoming messages as one byte stream.
type conn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	reader  io.Reader
	readErr error // sticky, gorilla must not be read again after an error

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// newConn wraps ws
func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.readErr != nil {
			return 0, c.readErr
		}

		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				c.readErr = translateError(err)
				return 0, c.readErr
			}
			if msgType != websocket.BinaryMessage {
				// text messages carry no frames
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.readErr = translateError(err)
			return n, c.readErr
		}
		return n, nil
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame (best effort) and closes the socket.
// Calling it more than once is a no-op.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *conn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// translateError maps a regular websocket close to io.EOF so callers can treat
// all transports alike
func translateError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return io.ErrUnexpectedEOF
	}
	return err
}
