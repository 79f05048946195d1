package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/serializer"
	"github.com/ValentinKolb/dMux/rpc/transport/base"
	"github.com/ValentinKolb/dMux/rpc/transport/tcp"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testConfig() common.RouterConfig {
	conf := common.DefaultRouterConfig()
	conf.Service.Host = "127.0.0.1"
	conf.Service.Port = 0
	conf.RetryDelay = 20 * time.Millisecond
	conf.StartTimeout = 2 * time.Second
	conf.WriteTimeout = 2 * time.Second
	return conf
}

func newCore(t *testing.T, conf common.RouterConfig) *ServiceCore {
	t.Helper()
	c := NewServiceCore(conf, tcp.NewServerConnector(), serializer.NewBinarySerializer())
	t.Cleanup(c.Close)
	return c
}

func startCore(t *testing.T) *ServiceCore {
	t.Helper()
	c := newCore(t, testConfig())
	if !c.ConnectServiceHost() {
		t.Fatal("ConnectServiceHost failed")
	}
	waitState(t, c, StateConnected)
	return c
}

func waitState(t *testing.T, c *ServiceCore, s ConnectionState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.WaitForState(ctx, s); err != nil {
		t.Fatal(err)
	}
}

// eventually polls cond until it holds or the timeout expires
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// peer is a raw client speaking the frame protocol
type peer struct {
	t    *testing.T
	conn net.Conn
	s    serializer.IRPCSerializer
}

func dial(t *testing.T, c *ServiceCore) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", c.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, s: serializer.NewBinarySerializer()}
}

func (p *peer) send(msg common.RemoteMessage) {
	p.t.Helper()
	if _, err := base.WriteMessage(p.conn, p.s, msg); err != nil {
		p.t.Fatalf("send failed: %v", err)
	}
}

func (p *peer) recv(timeout time.Duration) (common.RemoteMessage, error) {
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	msg, _, err := base.ReadMessage(p.conn, p.s, nil, 0)
	return msg, err
}

func (p *peer) mustRecv() common.RemoteMessage {
	p.t.Helper()
	msg, err := p.recv(2 * time.Second)
	if err != nil {
		p.t.Fatalf("receive failed: %v", err)
	}
	return msg
}

// handshake dials and performs the connect handshake
func handshake(t *testing.T, c *ServiceCore) (*peer, common.Cookie) {
	t.Helper()
	p := dial(t, c)
	p.send(common.NewConnectRequest())

	resp := p.mustRecv()
	if resp.MessageID != common.MsgIDServiceConnect || resp.Source != common.CookieRouter {
		t.Fatalf("unexpected handshake response %s", resp)
	}
	return p, resp.Target
}

// captureHandler records local deliveries of one id
func captureHandler(c *ServiceCore, id common.MessageID) <-chan common.RemoteMessage {
	ch := make(chan common.RemoteMessage, 16)
	c.RegisterHandlerFunc(id, func(msg common.RemoteMessage) *common.RemoteMessage {
		ch <- msg
		return nil
	})
	return ch
}

func expectLocal(t *testing.T, ch <-chan common.RemoteMessage) common.RemoteMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for local delivery")
	}
	return common.RemoteMessage{}
}

// countingTimer is a one-shot timer that records how many expiries are
// outstanding at once
type countingTimer struct {
	onExpire func()

	mu          sync.Mutex
	t           *time.Timer
	gen         uint64
	outstanding int
	maxPending  int
	starts      int
}

func newCountingTimer(onExpire func()) *countingTimer {
	return &countingTimer{onExpire: onExpire}
}

func (c *countingTimer) Name() string { return "counting" }

func (c *countingTimer) Start(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t != nil && c.t.Stop() {
		c.outstanding--
	}
	c.gen++
	gen := c.gen
	c.starts++
	c.outstanding++
	if c.outstanding > c.maxPending {
		c.maxPending = c.outstanding
	}
	c.t = time.AfterFunc(d, func() { c.expire(gen) })
}

func (c *countingTimer) expire(gen uint64) {
	c.mu.Lock()
	c.outstanding--
	current := gen == c.gen
	if current {
		c.t = nil
	}
	c.mu.Unlock()
	if current {
		c.onExpire()
	}
}

func (c *countingTimer) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.t != nil && c.t.Stop() {
		c.outstanding--
		c.t = nil
		return true
	}
	c.t = nil
	return false
}

func (c *countingTimer) IsArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil
}

func (c *countingTimer) stats() (starts, outstanding, maxPending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.outstanding, c.maxPending
}

// failingConnector never manages to open a socket
type failingConnector struct {
	calls atomic.Int32
}

func (f *failingConnector) GetName() string { return "failing" }
func (f *failingConnector) Listen(string, uint16) (net.Listener, error) {
	f.calls.Add(1)
	return nil, errors.New("address in use")
}
func (f *failingConnector) UpgradeConnection(net.Conn, common.TransportConf) error { return nil }

// --------------------------------------------------------------------------
// Routing scenarios
// --------------------------------------------------------------------------

func TestHandshakeAssignsCookie(t *testing.T) {
	c := startCore(t)
	notifies := captureHandler(c, common.MsgIDServiceConnect)

	_, cookie := handshake(t, c)

	if !cookie.IsRemote() || !c.Host().IsRegistered(cookie) {
		t.Fatalf("handshake returned unregistered cookie %s", cookie)
	}

	notify := expectLocal(t, notifies)
	if notify.Source != cookie || notify.Target != common.CookieLocal {
		t.Fatalf("unexpected connect notify %s", notify)
	}
	if got, _ := common.DecodeCookie(notify.Payload); got != cookie {
		t.Fatalf("notify payload carries %s, want %s", got, cookie)
	}

	eventually(t, "handshake counter", func() bool { return c.Stats().Handshakes == 1 })
}

func TestForwardBetweenClients(t *testing.T) {
	c := startCore(t)
	a, cookieA := handshake(t, c)
	b, cookieB := handshake(t, c)

	a.send(common.NewRemoteMessage(common.MsgIDEcho+1, cookieA, cookieB, []byte("hello b")))

	got := b.mustRecv()
	if got.Source != cookieA || got.Target != cookieB || string(got.Payload) != "hello b" {
		t.Fatalf("unexpected forwarded message %s", got)
	}

	b.send(got.Reply([]byte("hello a")))
	back := a.mustRecv()
	if back.Source != cookieB || string(back.Payload) != "hello a" {
		t.Fatalf("unexpected reply %s", back)
	}

	eventually(t, "forward counter", func() bool { return c.Stats().Forwarded == 2 })
}

func TestForwardToAbsentTargetDropped(t *testing.T) {
	c := startCore(t)
	a, cookieA := handshake(t, c)
	_, cookieB := handshake(t, c)

	before := c.Stats().Dropped
	a.send(common.NewRemoteMessage(common.MsgIDEcho+1, cookieA, cookieB+1000, []byte("nobody")))

	eventually(t, "drop counter", func() bool { return c.Stats().Dropped == before+1 })

	// nothing is sent back or fanned out
	if msg, err := a.recv(100 * time.Millisecond); err == nil {
		t.Fatalf("sender should receive nothing, got %s", msg)
	}
	if c.Stats().Forwarded != 0 {
		t.Fatal("message must not be forwarded")
	}
}

func TestLocalEchoHandler(t *testing.T) {
	c := startCore(t)
	c.RegisterHandler(common.MsgIDEcho, EchoHandler())
	a, cookieA := handshake(t, c)

	a.send(common.NewRemoteMessage(common.MsgIDEcho, cookieA, common.CookieRouter, []byte("ping")))

	reply := a.mustRecv()
	if reply.MessageID != common.MsgIDEcho || reply.Source != common.CookieRouter || reply.Target != cookieA {
		t.Fatalf("unexpected echo reply %s", reply)
	}
	if string(reply.Payload) != "ping" {
		t.Fatalf("unexpected payload %q", reply.Payload)
	}
}

func TestDefaultHandler(t *testing.T) {
	c := startCore(t)
	calls := make(chan common.MessageID, 1)
	c.SetDefaultHandler(HandlerFunc(func(msg common.RemoteMessage) *common.RemoteMessage {
		calls <- msg.MessageID
		return nil
	}))
	a, cookieA := handshake(t, c)

	a.send(common.NewRemoteMessage(0x4242, cookieA, common.CookieRouter, nil))

	select {
	case id := <-calls:
		if id != 0x4242 {
			t.Fatalf("default handler got id %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("default handler not called")
	}
}

func TestNotificationsAreNeverAnswered(t *testing.T) {
	c := startCore(t)
	c.SetDefaultHandler(EchoHandler())
	connects := make(chan common.Cookie, 1)
	c.RegisterHandlerFunc(common.MsgIDServiceConnect, func(msg common.RemoteMessage) *common.RemoteMessage {
		connects <- msg.Source
		reply := msg.Reply([]byte("hello"))
		return &reply
	})
	a, cookieA := handshake(t, c)

	select {
	case got := <-connects:
		if got != cookieA {
			t.Fatalf("connect notify for %s, want %s", got, cookieA)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect notify not delivered")
	}

	if msg, err := a.recv(300 * time.Millisecond); err == nil {
		t.Fatalf("client %s received %s after the handshake", cookieA, msg)
	}

	// the next frame is the answer to the client's own request
	a.send(common.NewRemoteMessage(0x4242, cookieA, common.CookieRouter, []byte("x")))
	reply := a.mustRecv()
	if reply.MessageID != 0x4242 || string(reply.Payload) != "x" {
		t.Fatalf("unexpected reply %s", reply)
	}
}

func TestFailedSendUnregisters(t *testing.T) {
	c := startCore(t)
	disconnects := captureHandler(c, common.MsgIDServiceDisconnect)
	_, cookieA := handshake(t, c)
	_, cookieB := handshake(t, c)

	conn := c.Host().GetClientByCookie(cookieA)
	c.failedSendMessage(common.NewRemoteMessage(common.MsgIDEcho, cookieB, cookieA, nil), conn, errors.New("broken pipe"))

	if c.Host().IsRegistered(cookieA) || conn.IsValid() {
		t.Fatal("failed client should be unregistered")
	}
	if !c.Host().IsRegistered(cookieB) {
		t.Fatal("other clients must stay connected")
	}

	notify := expectLocal(t, disconnects)
	if notify.Source != cookieA || notify.Target != common.CookieLocal {
		t.Fatalf("unexpected disconnect notify %s", notify)
	}

	// a second failure for the same client does not notify again
	c.failedSendMessage(common.NewRemoteMessage(common.MsgIDEcho, cookieB, cookieA, nil), conn, errors.New("broken pipe"))
	select {
	case msg := <-disconnects:
		t.Fatalf("duplicate notify %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
	if !c.IsServiceHostConnected() {
		t.Fatal("peer loss must not change the core state")
	}
}

func TestClientCloseNotifies(t *testing.T) {
	c := startCore(t)
	disconnects := captureHandler(c, common.MsgIDServiceDisconnect)
	a, cookieA := handshake(t, c)

	a.conn.Close()

	notify := expectLocal(t, disconnects)
	if notify.Source != cookieA {
		t.Fatalf("notify for %s, want %s", notify.Source, cookieA)
	}
	eventually(t, "client removal", func() bool { return c.Host().Len() == 0 })
	if c.Stats().Lost != 1 {
		t.Fatalf("expected one lost connection, got %d", c.Stats().Lost)
	}
}

func TestClientDisconnectRequest(t *testing.T) {
	c := startCore(t)
	disconnects := captureHandler(c, common.MsgIDServiceDisconnect)
	a, cookieA := handshake(t, c)

	a.send(common.NewDisconnectRequest(cookieA))

	msg := expectLocal(t, disconnects)
	if msg.Source != cookieA || msg.Target != common.CookieRouter {
		t.Fatalf("unexpected disconnect delivery %s", msg)
	}
	if c.Host().IsRegistered(cookieA) {
		t.Fatal("client should be closed after its disconnect request")
	}
	// the read error that follows must not produce a second notification
	select {
	case extra := <-disconnects:
		t.Fatalf("unexpected extra notify %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChecksumMismatchKeepsConnection(t *testing.T) {
	c := startCore(t)
	c.RegisterHandler(common.MsgIDEcho, EchoHandler())
	a, cookieA := handshake(t, c)

	broken := common.NewRemoteMessage(common.MsgIDEcho, cookieA, common.CookieRouter, []byte("bad"))
	broken.Checksum++
	a.send(broken)
	a.send(common.NewRemoteMessage(common.MsgIDEcho, cookieA, common.CookieRouter, []byte("good")))

	reply := a.mustRecv()
	if string(reply.Payload) != "good" {
		t.Fatalf("expected reply to the valid message, got %q", reply.Payload)
	}
	if !c.Host().IsRegistered(cookieA) {
		t.Fatal("protocol error must not close the connection")
	}
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	conf := testConfig()
	conf.MaxFrameSize = 64
	c := newCore(t, conf)
	if !c.ConnectServiceHost() {
		t.Fatal("connect failed")
	}
	waitState(t, c, StateConnected)

	a, cookieA := handshake(t, c)
	a.send(common.NewRemoteMessage(common.MsgIDEcho, cookieA, common.CookieRouter, bytes.Repeat([]byte("x"), 128)))

	eventually(t, "connection close", func() bool { return !c.Host().IsRegistered(cookieA) })
	if !c.IsServiceHostConnected() {
		t.Fatal("core should stay connected")
	}
}

func TestSendMessageFromApplication(t *testing.T) {
	c := startCore(t)
	a, cookieA := handshake(t, c)

	if !c.SendMessage(common.NewRemoteMessage(common.MsgIDEcho+7, common.CookieRouter, cookieA, []byte("push"))) {
		t.Fatal("SendMessage rejected while connected")
	}
	got := a.mustRecv()
	if got.MessageID != common.MsgIDEcho+7 || string(got.Payload) != "push" {
		t.Fatalf("unexpected message %s", got)
	}

	c.DisconnectServiceHost()
	if c.SendMessage(common.NewRemoteMessage(common.MsgIDEcho, common.CookieRouter, cookieA, nil)) {
		t.Fatal("SendMessage must fail while stopped")
	}
}

func TestAccessListRejectsPeer(t *testing.T) {
	conf := testConfig()
	conf.AccessMode = common.AccessDefaultReject
	c := newCore(t, conf)
	if !c.ConnectServiceHost() {
		t.Fatal("connect failed")
	}
	waitState(t, c, StateConnected)

	p := dial(t, c)
	if _, err := p.recv(2 * time.Second); err == nil {
		t.Fatal("rejected peer should be closed")
	}
	eventually(t, "reject counter", func() bool { return c.Stats().Rejected == 1 })
	if c.Host().Len() != 0 {
		t.Fatal("rejected peer must not be registered")
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestConnectDisabled(t *testing.T) {
	conf := testConfig()
	conf.Service.Enabled = false
	c := newCore(t, conf)

	if c.ConnectServiceHost() {
		t.Fatal("ConnectServiceHost should fail while servicing is disabled")
	}
	if c.State() != StateIdle || c.IsRemoteServicingEnabled() {
		t.Fatal("core should stay idle")
	}

	c.EnableRemoteServicing(true)
	if !c.ConnectServiceHost() {
		t.Fatal("ConnectServiceHost should succeed once enabled")
	}
	waitState(t, c, StateConnected)

	c.EnableRemoteServicing(false)
	if c.State() != StateStopped {
		t.Fatalf("disabling should disconnect, state is %s", c.State())
	}
}

func TestDisconnectWhenIdleOrStopped(t *testing.T) {
	c := newCore(t, testConfig())

	// never started: returns without starting anything
	c.DisconnectServiceHost()
	if c.State() != StateIdle || c.dispatcher.IsRunning() {
		t.Fatal("disconnect on an idle core must not start the dispatcher")
	}

	if !c.ConnectServiceHost() {
		t.Fatal("connect failed")
	}
	waitState(t, c, StateConnected)
	c.DisconnectServiceHost()
	if c.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", c.State())
	}

	done := make(chan struct{})
	go func() {
		c.DisconnectServiceHost()
		c.DisconnectServiceHost()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect on a stopped core should return immediately")
	}
	if c.State() != StateStopped {
		t.Fatalf("state changed to %s", c.State())
	}
}

func TestConnectThenDisconnectOrder(t *testing.T) {
	c := newCore(t, testConfig())

	if !c.ConnectServiceHost() {
		t.Fatal("connect failed")
	}
	c.DisconnectServiceHost()

	if c.State() != StateStopped {
		t.Fatalf("connect then disconnect must end Stopped, got %s", c.State())
	}
	if c.Host().IsListening() || c.RetryTimer().IsArmed() {
		t.Fatal("nothing may remain open after disconnect")
	}
}

func TestRestartManyTimes(t *testing.T) {
	c := newCore(t, testConfig())
	c.RegisterHandler(common.MsgIDEcho, EchoHandler())

	for i := 0; i < 5; i++ {
		if !c.ConnectServiceHost() {
			t.Fatalf("round %d: connect failed", i)
		}
		waitState(t, c, StateConnected)

		a, cookie := handshake(t, c)
		a.send(common.NewRemoteMessage(common.MsgIDEcho, cookie, common.CookieRouter, []byte("round")))
		if reply := a.mustRecv(); string(reply.Payload) != "round" {
			t.Fatalf("round %d: unexpected reply %s", i, reply)
		}

		c.DisconnectServiceHost()
		if c.State() != StateStopped {
			t.Fatalf("round %d: expected Stopped, got %s", i, c.State())
		}
		if _, err := a.recv(2 * time.Second); err == nil {
			t.Fatalf("round %d: client should be closed", i)
		}
	}
}

func TestReconnectDropsClients(t *testing.T) {
	c := startCore(t)
	a, cookieA := handshake(t, c)

	if !c.ReconnectServiceHost() {
		t.Fatal("reconnect failed")
	}
	eventually(t, "old client closed", func() bool { return !c.Host().IsRegistered(cookieA) })
	waitState(t, c, StateConnected)

	if _, err := a.recv(2 * time.Second); err == nil {
		t.Fatal("old client should see its connection closed")
	}

	// new clients can connect after the reconnect
	_, cookieB := handshake(t, c)
	if cookieB == cookieA {
		t.Fatal("cookie reused after reconnect")
	}
}

func TestRetryWhileSocketFails(t *testing.T) {
	connector := &failingConnector{}
	c := NewServiceCore(testConfig(), connector, serializer.NewBinarySerializer())
	t.Cleanup(c.Close)
	counter := newCountingTimer(c.onRetry)
	c.retry = &RetryTimer{timer: counter}

	// a socket error is not a hard failure
	if !c.ConnectServiceHost() {
		t.Fatal("ConnectServiceHost should succeed although the socket fails")
	}

	eventually(t, "three attempts", func() bool { return connector.calls.Load() >= 3 })
	if c.State() != StateConnecting {
		t.Fatalf("expected Connecting, got %s", c.State())
	}
	eventually(t, "armed retry", func() bool { return c.RetryTimer().IsArmed() })
	if c.RetryTimer().Delay() != 20*time.Millisecond {
		t.Fatalf("unexpected retry delay %s", c.RetryTimer().Delay())
	}
	if c.Stats().Retries < 2 {
		t.Fatalf("expected at least 2 retries, got %d", c.Stats().Retries)
	}

	// connect while a retry is pending does not stack timers
	for i := 0; i < 3; i++ {
		c.ConnectServiceHost()
	}
	eventually(t, "three more attempts", func() bool { return connector.calls.Load() >= 6 })

	starts, _, maxPending := counter.stats()
	if starts < 3 {
		t.Fatalf("expected at least 3 arms, got %d", starts)
	}
	if maxPending != 1 {
		t.Fatalf("at most one retry may be outstanding, saw %d", maxPending)
	}

	c.DisconnectServiceHost()
	if c.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", c.State())
	}
	if c.RetryTimer().IsArmed() {
		t.Fatal("disconnect must disarm the retry")
	}
	eventually(t, "no outstanding expiry", func() bool {
		_, outstanding, _ := counter.stats()
		return outstanding == 0
	})
	calls := connector.calls.Load()
	time.Sleep(100 * time.Millisecond)
	if connector.calls.Load() != calls {
		t.Fatal("no attempts after disconnect")
	}
}

func TestSetAddressWhileConnected(t *testing.T) {
	c := startCore(t)
	if c.SetAddress("127.0.0.1", 1) {
		t.Fatal("SetAddress must fail while listening")
	}
	c.DisconnectServiceHost()
	if !c.SetAddress("127.0.0.1", 0) {
		t.Fatal("SetAddress should succeed while stopped")
	}
}

func TestCloseIsFinal(t *testing.T) {
	c := NewServiceCore(testConfig(), tcp.NewServerConnector(), serializer.NewBinarySerializer())
	if !c.ConnectServiceHost() {
		t.Fatal("connect failed")
	}
	waitState(t, c, StateConnected)

	c.Close()
	c.Close()

	if c.State() != StateStopped || c.dispatcher.IsRunning() {
		t.Fatal("close should stop everything")
	}
	if c.ConnectServiceHost() {
		t.Fatal("a closed core cannot connect again")
	}
}

func TestWritePrometheus(t *testing.T) {
	c := startCore(t)
	handshake(t, c)
	eventually(t, "handshake counters", func() bool {
		s := c.Stats()
		return s.Handshakes == 1 && s.SentMessages >= 1
	})

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		"dmux_handshakes_total 1",
		"dmux_connections_accepted_total 1",
		"dmux_clients 1",
		`dmux_frame_size_bytes{quantile="0.5"}`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output misses %q:\n%s", want, out)
		}
	}

	stats := c.Stats()
	if stats.State != StateConnected || stats.Clients != 1 {
		t.Fatalf("unexpected stats %s", stats)
	}
	if stats.FrameSizeAvg == 0 || stats.FrameSizeP99 == 0 {
		t.Fatalf("frame sizes not recorded: %s", stats)
	}
}
