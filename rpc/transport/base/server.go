package base

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LoggerTransport)

// ErrSocketClosed is returned by Accept after Close
var ErrSocketClosed = errors.New("listening socket closed")

// deadliner is implemented by listeners that support interrupting Accept
type deadliner interface {
	SetDeadline(t time.Time) error
}

// -----------------------------------------------------------
// Listening Socket
// -----------------------------------------------------------

// ServerSocket wraps the listening socket created by a server connector.
// It is owned by the connection host, which opens and closes it.
type ServerSocket struct {
	connector transport.IServerConnector
	listener  net.Listener
	closed    atomic.Bool
}

// Listen binds host/port with the connector and returns the open socket
func Listen(connector transport.IServerConnector, host string, port uint16) (*ServerSocket, error) {
	listener, err := connector.Listen(host, port)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s listener on %s:%d: %v", connector.GetName(), host, port, err)
	}

	Logger.Infof("Listening with %s transport on %s", connector.GetName(), listener.Addr())

	return &ServerSocket{
		connector: connector,
		listener:  listener,
	}, nil
}

// Accept blocks until a peer connects. The returned connection is not yet
// upgraded, the connection host applies the socket options.
func (s *ServerSocket) Accept() (net.Conn, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSocketClosed
		}
		return nil, err
	}
	return conn, nil
}

// SetDeadline interrupts a blocked Accept once t has passed. Listeners without
// deadline support return an error.
func (s *ServerSocket) SetDeadline(t time.Time) error {
	if d, ok := s.listener.(deadliner); ok {
		return d.SetDeadline(t)
	}
	return fmt.Errorf("%s listener does not support deadlines", s.connector.GetName())
}

// Addr returns the bound address
func (s *ServerSocket) Addr() net.Addr {
	return s.listener.Addr()
}

// Name returns the transport name
func (s *ServerSocket) Name() string {
	return s.connector.GetName()
}

// IsClosed reports whether Close was called
func (s *ServerSocket) IsClosed() bool {
	return s.closed.Load()
}

// Close closes the listener. Calling it more than once is a no-op.
func (s *ServerSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	Logger.Infof("Closing %s listener on %s", s.connector.GetName(), s.listener.Addr())
	return s.listener.Close()
}
