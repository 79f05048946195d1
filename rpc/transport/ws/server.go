package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/tcp"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LoggerTransport)

const (
	// Path is the HTTP path websocket clients connect to
	Path = "/dmux"
	// readLimit bounds a single websocket message (frame body plus slack)
	readLimit = int64(common.DefaultMaxFrameSize) + 1024
)

// serverConnector implements the IServerConnector interface for WebSocket
type serverConnector struct {
	upgrader websocket.Upgrader
}

// NewServerConnector returns the WebSocket server connector
func NewServerConnector() transport.IServerConnector {
	return &serverConnector{
		upgrader: websocket.Upgrader{
			// the connection host applies the access list to the peer address
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "ws"
}

func (c *serverConnector) Listen(host string, port uint16) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket for websocket: %v", err)
	}

	l := &listener{
		ln:      ln,
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := c.upgrader.Upgrade(w, r, nil)
		if err != nil {
			Logger.Warningf("Failed to upgrade HTTP request from %s: %v", r.RemoteAddr, err)
			return
		}
		ws.SetReadLimit(readLimit)
		l.deliver(newConn(ws))
	})

	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Websocket HTTP server stopped: %v", err)
		}
	}()

	return l, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.TransportConf) error {
	return ApplyOptions(conn, config)
}

// ApplyOptions applies the TCP options of config to the socket below a
// websocket connection
func ApplyOptions(c net.Conn, config common.TransportConf) error {
	wc, ok := c.(*conn)
	if !ok {
		return nil
	}
	return tcp.ApplyOptions(wc.ws.NetConn(), config)
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// listener hands upgraded websocket connections to Accept
type listener struct {
	server *http.Server
	ln     net.Listener
	conns  chan net.Conn

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
	changed  chan struct{} // closed and replaced when the deadline changes
}

// deliver passes c to a waiting Accept or closes it if the listener is gone
func (l *listener) deliver(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		l.mu.Lock()
		deadline, changed := l.deadline, l.changed
		l.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case c := <-l.conns:
			stopTimer(timer)
			return c, nil
		case <-l.done:
			stopTimer(timer)
			return nil, net.ErrClosed
		case <-timeout:
			return nil, os.ErrDeadlineExceeded
		case <-changed:
			stopTimer(timer)
		}
	}
}

// SetDeadline interrupts Accept once t has passed (zero = no deadline)
func (l *listener) SetDeadline(t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadline = t
	close(l.changed)
	l.changed = make(chan struct{})
	return nil
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		// closes ln, hijacked websocket connections are not affected
		err = l.server.Close()
	})
	return err
}

func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
