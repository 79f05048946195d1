package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/serializer"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(common.LoggerClient)

var (
	// ErrNotConnected is returned after the connection was closed or lost
	ErrNotConnected = errors.New("client not connected")
	// ErrHandshake is returned when the router answered the connect request
	// with something unexpected
	ErrHandshake = errors.New("handshake failed")
	// ErrTimeout is returned when no answer arrived in time
	ErrTimeout = errors.New("request timed out")
	// ErrPending is returned when a request with the same id to the same
	// target is still waiting for its answer
	ErrPending = errors.New("request already pending")
)

// messageBuffer is the capacity of the Messages channel
const messageBuffer = 256

// waiterKey correlates an answer with its request: the router protocol has no
// request ids, an answer carries the request's id and comes from its target
type waiterKey struct {
	id   common.MessageID
	peer common.Cookie
}

// Client is a session with a dMux router
type Client struct {
	config common.ClientConfig
	conn   *base.ClientConn
	cookie common.Cookie

	waiters  *xsync.MapOf[waiterKey, chan common.RemoteMessage]
	messages chan common.RemoteMessage

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect dials the router and performs the handshake
func Connect(config common.ClientConfig, connector transport.IClientConnector, s serializer.IRPCSerializer) (*Client, error) {
	conn, err := base.Dial(connector, s, config)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:   config,
		conn:     conn,
		waiters:  xsync.NewMapOf[waiterKey, chan common.RemoteMessage](),
		messages: make(chan common.RemoteMessage, messageBuffer),
		done:     make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	Logger.Infof("Connected to %s as %s using %s transport", config.Service.Endpoint(), c.cookie, connector.GetName())

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// handshake sends the connect request and reads the assigned cookie
func (c *Client) handshake() error {
	if err := c.conn.WriteMessage(common.NewConnectRequest()); err != nil {
		return fmt.Errorf("failed to send connect request: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout())); err != nil {
		return err
	}
	resp, err := c.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: no connect response: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if resp.MessageID != common.MsgIDServiceConnect || resp.Source != common.CookieRouter || !resp.Target.IsRemote() {
		return fmt.Errorf("%w: unexpected response %s", ErrHandshake, resp)
	}
	c.cookie = resp.Target
	return nil
}

// timeout is the configured timeout, 5 seconds if unset
func (c *Client) timeout() time.Duration {
	if c.config.TimeoutSecond > 0 {
		return time.Duration(c.config.TimeoutSecond) * time.Second
	}
	return 5 * time.Second
}

// Cookie returns the cookie the router assigned to this session
func (c *Client) Cookie() common.Cookie {
	return c.cookie
}

// Messages delivers every message that is not the answer to a pending
// Request. It is closed when the session ends. Messages are dropped while the
// channel is full.
func (c *Client) Messages() <-chan common.RemoteMessage {
	return c.messages
}

// Done is closed when the session ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send sends a message with this session's cookie as source
func (c *Client) Send(target common.Cookie, id common.MessageID, payload []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(common.NewRemoteMessage(id, c.cookie, target, payload)); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

// Request sends a message and waits for the answer: the next message with
// the same id coming from target. Without a deadline in ctx the configured
// timeout applies.
func (c *Client) Request(ctx context.Context, target common.Cookie, id common.MessageID, payload []byte) (common.RemoteMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout())
		defer cancel()
	}

	key := waiterKey{id: id, peer: target}
	ch := make(chan common.RemoteMessage, 1)
	if _, loaded := c.waiters.LoadOrStore(key, ch); loaded {
		return common.RemoteMessage{}, ErrPending
	}
	defer c.waiters.Delete(key)

	if err := c.Send(target, id, payload); err != nil {
		return common.RemoteMessage{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return common.RemoteMessage{}, ErrNotConnected
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return common.RemoteMessage{}, ErrTimeout
		}
		return common.RemoteMessage{}, ctx.Err()
	}
}

// Ping sends an echo request to the router and returns the round trip time
func (c *Client) Ping(ctx context.Context, payload []byte) (time.Duration, error) {
	start := time.Now()
	resp, err := c.Request(ctx, common.CookieRouter, common.MsgIDEcho, payload)
	if err != nil {
		return 0, err
	}
	if string(resp.Payload) != string(payload) {
		return 0, fmt.Errorf("echo payload mismatch")
	}
	return time.Since(start), nil
}

// Disconnect says goodbye to the router and closes the session
func (c *Client) Disconnect() error {
	if c.closed.Load() {
		return nil
	}
	if err := c.conn.WriteMessage(common.NewDisconnectRequest(c.cookie)); err != nil {
		Logger.Debugf("Failed to send disconnect request: %v", err)
	}
	return c.Close()
}

// Close closes the session without saying goodbye. Calling it more than once
// is a no-op.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// readLoop dispatches incoming messages until the connection ends
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.messages)
	defer close(c.done)

	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			var protoErr *base.ProtocolError
			if errors.As(err, &protoErr) {
				Logger.Warningf("Dropping undecodable message: %v", err)
				continue
			}
			if !c.closed.Load() {
				Logger.Warningf("Connection to router lost: %v", err)
				c.closed.Store(true)
			}
			return
		}

		if ch, ok := c.waiters.LoadAndDelete(waiterKey{id: msg.MessageID, peer: msg.Source}); ok {
			ch <- msg
			continue
		}

		select {
		case c.messages <- msg:
		default:
			Logger.Warningf("Message buffer full, dropping %s", msg)
		}
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
