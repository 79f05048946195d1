package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/lib/queue"
	"github.com/ValentinKolb/dMux/lib/timer"
	"github.com/ValentinKolb/dMux/lib/worker"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/host"
	"github.com/ValentinKolb/dMux/rpc/serializer"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LoggerRPC)

// --------------------------------------------------------------------------
// Dispatcher commands
// --------------------------------------------------------------------------

type commandKind uint8

const (
	cmdConnect commandKind = iota
	cmdReconnect
	cmdDisconnect
	cmdRetry
	cmdListenerLost
	cmdLocal
)

// command is processed by the dispatcher in submission order
type command struct {
	kind commandKind
	msg  common.RemoteMessage
	done chan struct{} // closed once processed, may be nil
}

// --------------------------------------------------------------------------
// ServiceCore
// --------------------------------------------------------------------------

// ServiceCore is the router: it owns the connection host, the send and
// receive workers and the retry timer, and drives the connection lifecycle
// from a single dispatcher goroutine.
type ServiceCore struct {
	config     common.RouterConfig
	host       *host.ConnectionHost
	serializer serializer.IRPCSerializer

	sender   *sendWorker
	receiver *receiveWorker
	retry    *RetryTimer
	stats    timer.ITimer
	handlers *handlerTable
	metrics  *coreMetrics

	state   atomic.Int32
	stateMu sync.Mutex
	stateCh chan struct{} // closed and replaced on every state change
	enabled atomic.Bool

	dispatchMu sync.Mutex // serializes dispatcher start and stop
	dispatcher *worker.Worker
	commands   atomic.Pointer[queue.LockFreeMPSC[command]]
	closed     atomic.Bool
}

// NewServiceCore creates a router in state Idle. Nothing is started until
// ConnectServiceHost.
//
// Usage:
//
//	core := server.NewServiceCore(
//		common.DefaultRouterConfig(),
//		tcp.NewServerConnector(),
//		serializer.NewBinarySerializer(),
//	)
//	core.RegisterHandler(common.MsgIDEcho, server.EchoHandler())
//
//	if !core.ConnectServiceHost() {
//		panic("router disabled")
//	}
//	defer core.Close()
func NewServiceCore(config common.RouterConfig, connector transport.IServerConnector, s serializer.IRPCSerializer) *ServiceCore {
	if config.StartTimeout <= 0 {
		config.StartTimeout = 5 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = common.DefaultMaxFrameSize
	}

	access := host.NewAccessList(config.AccessMode, config.WhiteList, config.BlackList)
	h := host.NewConnectionHost(connector, config.Transports, access)
	h.SetAddress(config.Service.Host, config.Service.Port)

	c := &ServiceCore{
		config:     config,
		host:       h,
		serializer: s,
		handlers:   newHandlerTable(),
		stateCh:    make(chan struct{}),
	}
	c.metrics = newCoreMetrics(func() float64 { return float64(h.Len()) })
	c.sender = newSendWorker(c, h, s, config.WriteTimeout)
	c.receiver = newReceiveWorker(c, h, s, config.MaxFrameSize)
	c.retry = newRetryTimer(c.onRetry)
	c.stats = timer.NewPeriodicTimer("stats", func() { Logger.Infof("Stats: %s", c.Stats()) })
	c.dispatcher = worker.New("dispatcher", c.dispatch)
	c.enabled.Store(config.Service.Enabled)

	Logger.Infof("Created router core")
	Logger.Infof(config.String())

	return c
}

// --------------------------------------------------------------------------
// Lifecycle API
// --------------------------------------------------------------------------

// ConnectServiceHost starts the router. It returns false if remote servicing
// is disabled or the dispatcher could not be started. A socket error is not
// a failure: the core keeps retrying in state Connecting.
func (c *ServiceCore) ConnectServiceHost() bool {
	if !c.enabled.Load() {
		Logger.Warningf("Remote servicing for %q is disabled", c.config.Service.Key)
		return false
	}
	if err := c.ensureDispatcher(); err != nil {
		Logger.Errorf("Failed to start dispatcher: %v", err)
		return false
	}
	if c.config.StatsInterval > 0 && !c.stats.IsArmed() {
		c.stats.Start(c.config.StatsInterval)
	}
	return c.post(command{kind: cmdConnect})
}

// ReconnectServiceHost closes the socket (if open) and connects again
// immediately
func (c *ServiceCore) ReconnectServiceHost() bool {
	if !c.enabled.Load() {
		return false
	}
	if err := c.ensureDispatcher(); err != nil {
		Logger.Errorf("Failed to start dispatcher: %v", err)
		return false
	}
	return c.post(command{kind: cmdReconnect})
}

// DisconnectServiceHost stops the workers, closes every socket and waits
// until the core is Stopped. It returns at once if the dispatcher never
// started. Earlier commands of the caller (a pending connect) are processed
// first. Must not be called from a handler.
func (c *ServiceCore) DisconnectServiceHost() {
	if !c.dispatcher.IsRunning() {
		return
	}
	c.call(command{kind: cmdDisconnect})
}

// IsServiceHostConnected reports whether the core is Connected
func (c *ServiceCore) IsServiceHostConnected() bool {
	return c.State() == StateConnected
}

// State returns the current lifecycle state
func (c *ServiceCore) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// WaitForState blocks until the core reaches want or ctx is done
func (c *ServiceCore) WaitForState(ctx context.Context, want ConnectionState) error {
	for {
		c.stateMu.Lock()
		ch := c.stateCh
		c.stateMu.Unlock()

		current := c.State()
		if current == want {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for state %s (current %s): %w", want, current, ctx.Err())
		}
	}
}

// EnableRemoteServicing switches servicing on or off. Switching it off
// disconnects.
func (c *ServiceCore) EnableRemoteServicing(enabled bool) {
	c.enabled.Store(enabled)
	if !enabled {
		c.DisconnectServiceHost()
	}
}

// IsRemoteServicingEnabled reports whether ConnectServiceHost may start the
// router
func (c *ServiceCore) IsRemoteServicingEnabled() bool {
	return c.enabled.Load()
}

// SetAddress changes the listening address. It fails while the socket is
// open.
func (c *ServiceCore) SetAddress(host string, port uint16) bool {
	return c.host.SetAddress(host, port)
}

// ListenAddr returns the bound address, nil while not listening
func (c *ServiceCore) ListenAddr() net.Addr {
	return c.host.ListenAddr()
}

// Host returns the connection host
func (c *ServiceCore) Host() *host.ConnectionHost {
	return c.host
}

// RetryTimer returns the retry timer
func (c *ServiceCore) RetryTimer() *RetryTimer {
	return c.retry
}

// Close disconnects and stops the dispatcher. The core can not be
// connected again afterwards.
func (c *ServiceCore) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.enabled.Store(false)
	c.DisconnectServiceHost()
	c.stats.Stop()

	c.dispatchMu.Lock()
	c.dispatcher.Stop()
	c.dispatchMu.Unlock()

	c.retry.disarm()
	c.metrics.close()
	Logger.Infof("Router core closed")
}

// --------------------------------------------------------------------------
// Messaging API
// --------------------------------------------------------------------------

// SendMessage queues msg for its target. It returns false while the core is
// not Connected.
func (c *ServiceCore) SendMessage(msg common.RemoteMessage) bool {
	return c.sender.send(msg)
}

// RegisterHandler sets the handler for messages with id addressed to the
// router. A nil handler removes the entry.
func (c *ServiceCore) RegisterHandler(id common.MessageID, h IMessageHandler) {
	c.handlers.register(id, h)
}

// RegisterHandlerFunc is RegisterHandler for plain functions
func (c *ServiceCore) RegisterHandlerFunc(id common.MessageID, f func(common.RemoteMessage) *common.RemoteMessage) {
	c.handlers.register(id, HandlerFunc(f))
}

// SetDefaultHandler sets the handler for client messages whose id has no
// entry of its own. Connect and disconnect notifications never reach it.
func (c *ServiceCore) SetDefaultHandler(h IMessageHandler) {
	c.handlers.setDefault(h)
}

// WritePrometheus writes the router metrics in Prometheus text format
func (c *ServiceCore) WritePrometheus(w io.Writer) {
	c.metrics.writePrometheus(w)
}

// Stats returns a snapshot of the counters
func (c *ServiceCore) Stats() Stats {
	return c.metrics.snapshot(c.State(), c.host.Len())
}

// --------------------------------------------------------------------------
// Worker callbacks (any goroutine)
// --------------------------------------------------------------------------

// failedSendMessage is called by the send worker when a write failed. The
// message is dropped, the connection is considered lost.
func (c *ServiceCore) failedSendMessage(msg common.RemoteMessage, conn *host.ClientConnection, err error) {
	Logger.Warningf("Failed to send %s to %s: %v", msg, conn, err)
	c.metrics.dropped.Inc()
	c.connectionLost(conn.Cookie())
}

// failedReceiveMessage is called by the receive worker when the stream of a
// client broke
func (c *ServiceCore) failedReceiveMessage(cookie common.Cookie, err error) {
	if errors.Is(err, io.EOF) {
		Logger.Infof("Client %s closed the connection", cookie)
	} else {
		Logger.Warningf("Failed to receive from %s: %v", cookie, err)
	}
	c.connectionLost(cookie)
}

// connectionLost closes the client and tells local consumers about it. Only
// the caller that actually closed the connection posts the notification.
func (c *ServiceCore) connectionLost(cookie common.Cookie) {
	if !c.host.CloseConnection(cookie) {
		return
	}
	c.metrics.lost.Inc()
	c.post(command{kind: cmdLocal, msg: common.NewDisconnectNotify(cookie)})
}

// onRetry runs when the retry timer expires
func (c *ServiceCore) onRetry() {
	c.post(command{kind: cmdRetry})
}

// listenerLost is called by the receive worker when accept failed
func (c *ServiceCore) listenerLost(err error) {
	Logger.Errorf("Listening socket lost: %v", err)
	c.post(command{kind: cmdListenerLost})
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// ensureDispatcher starts the dispatcher goroutine if it is not running
func (c *ServiceCore) ensureDispatcher() error {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	if c.closed.Load() {
		return errors.New("router core is closed")
	}
	if c.dispatcher.IsRunning() {
		return nil
	}

	q := queue.NewLockFreeMPSC[command]()
	c.commands.Store(q)
	if err := c.dispatcher.Start(c.config.StartTimeout); err != nil {
		q.Close()
		c.drain(q)
		return err
	}
	return nil
}

// post hands cmd to the dispatcher without waiting
func (c *ServiceCore) post(cmd command) bool {
	q := c.commands.Load()
	if q == nil {
		return false
	}
	return q.Push(&cmd)
}

// call hands cmd to the dispatcher and waits until it was processed
func (c *ServiceCore) call(cmd command) bool {
	q := c.commands.Load()
	if q == nil {
		return false
	}
	cmd.done = make(chan struct{})
	if !q.Push(&cmd) {
		return false
	}
	select {
	case <-cmd.done:
	case <-q.Done():
	}
	return true
}

func (c *ServiceCore) dispatch(ctx context.Context, ready func()) {
	q := c.commands.Load()
	ready()

	for {
		select {
		case cmd, ok := <-q.Recv():
			if !ok {
				return
			}
			c.handle(cmd)
		case <-ctx.Done():
			c.disconnect()
			q.Close()
			c.drain(q)
			return
		}
	}
}

// drain releases the waiters of commands that will not run
func (c *ServiceCore) drain(q *queue.LockFreeMPSC[command]) {
	for cmd := range q.Recv() {
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

func (c *ServiceCore) handle(cmd *command) {
	if cmd.done != nil {
		defer close(cmd.done)
	}

	switch cmd.kind {
	case cmdConnect:
		c.connect()
	case cmdReconnect:
		c.reconnect()
	case cmdDisconnect:
		c.disconnect()
	case cmdRetry:
		// a retry that fires after the state moved on is ignored
		if c.State() == StateConnecting {
			c.metrics.retries.Inc()
			c.tryConnect()
		}
	case cmdListenerLost:
		if c.State() == StateConnected {
			c.reconnect()
		}
	case cmdLocal:
		c.deliverLocal(cmd.msg)
	}
}

// --------------------------------------------------------------------------
// State transitions (dispatcher only)
// --------------------------------------------------------------------------

func (c *ServiceCore) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))

	c.stateMu.Lock()
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	c.stateMu.Unlock()

	if old != s {
		Logger.Infof("State %s -> %s", old, s)
	}
}

func (c *ServiceCore) connect() {
	switch c.State() {
	case StateIdle, StateStopped:
		c.setState(StateConnecting)
		c.tryConnect()
	case StateConnecting:
		// a retry is pending, it will do the work
		if !c.retry.IsArmed() {
			c.tryConnect()
		}
	}
}

func (c *ServiceCore) reconnect() {
	switch c.State() {
	case StateConnected:
		c.setState(StateReconnecting)
		c.receiver.stop()
		c.sender.stop()
		c.host.CloseSocket()
		c.setState(StateConnecting)
		c.tryConnect()
	case StateConnecting:
		c.retry.disarm()
		c.tryConnect()
	case StateIdle, StateStopped:
		c.connect()
	}
}

// tryConnect opens the socket and starts both workers. On failure everything
// is torn down again and a retry is armed, the state stays Connecting.
func (c *ServiceCore) tryConnect() {
	if !c.enabled.Load() {
		Logger.Infof("Remote servicing disabled, not connecting")
		c.retry.disarm()
		c.host.CloseSocket()
		c.setState(StateStopped)
		return
	}

	if err := c.startWorkers(); err != nil {
		Logger.Warningf("Connect failed, retrying in %s: %v", c.config.RetryDelay, err)
		c.host.CloseSocket()
		c.retry.arm(c.config.RetryDelay)
		return
	}

	c.retry.disarm()
	c.setState(StateConnected)
	Logger.Infof("Router listening on %s", c.host.ListenAddr())
}

func (c *ServiceCore) startWorkers() error {
	if !c.host.CreateSocket() {
		return errors.New("socket could not be created")
	}
	if err := c.sender.start(c.config.StartTimeout); err != nil {
		return fmt.Errorf("send worker: %w", err)
	}
	if err := c.receiver.start(c.config.StartTimeout); err != nil {
		c.sender.stop()
		return fmt.Errorf("receive worker: %w", err)
	}
	return nil
}

// disconnect runs the mandatory shutdown order: retry, receiver, interrupt,
// sender (flushed), socket
func (c *ServiceCore) disconnect() {
	if c.State().isDown() {
		return
	}

	c.setState(StateStopping)
	c.retry.disarm()
	c.receiver.stop()
	c.host.InterruptReceive()
	c.sender.stop()
	c.host.CloseSocket()
	c.setState(StateStopped)
}
