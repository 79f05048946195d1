package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ValentinKolb/dMux/lib/worker"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/host"
	"github.com/ValentinKolb/dMux/rpc/serializer"
	"github.com/ValentinKolb/dMux/rpc/transport/base"
)

// received is one result of a reader goroutine
type received struct {
	msg    common.RemoteMessage
	conn   net.Conn
	cookie common.Cookie
	size   int
	err    error
}

// receiveWorker waits on the listening socket and every client at once. An
// accept goroutine and one reader goroutine per client feed a channel, the
// worker goroutine takes messages from it one at a time.
type receiveWorker struct {
	core       *ServiceCore
	host       *host.ConnectionHost
	serializer serializer.IRPCSerializer
	maxFrame   uint32

	w        *worker.Worker
	stopping atomic.Bool
	readers  sync.WaitGroup // accept goroutine and readers

	mu     sync.Mutex // protects frames and quit
	frames chan received
	quit   chan struct{}
}

func newReceiveWorker(core *ServiceCore, h *host.ConnectionHost, s serializer.IRPCSerializer, maxFrame uint32) *receiveWorker {
	rw := &receiveWorker{
		core:       core,
		host:       h,
		serializer: s,
		maxFrame:   maxFrame,
	}
	rw.w = worker.New("receiver", rw.run)
	return rw
}

func (r *receiveWorker) start(timeout time.Duration) error {
	r.mu.Lock()
	r.frames = make(chan received, 64)
	r.quit = make(chan struct{})
	r.mu.Unlock()

	r.stopping.Store(false)
	return r.w.Start(timeout)
}

// stop interrupts every blocked accept and read and joins all goroutines.
// Failures observed from here on are not reported.
func (r *receiveWorker) stop() {
	r.stopping.Store(true)

	r.mu.Lock()
	quit := r.quit
	r.mu.Unlock()
	if quit != nil {
		select {
		case <-quit:
		default:
			close(quit)
		}
	}

	r.host.InterruptReceive()
	r.w.Stop()
	r.readers.Wait()
}

func (r *receiveWorker) isRunning() bool {
	return r.w.IsRunning()
}

func (r *receiveWorker) run(ctx context.Context, ready func()) {
	r.mu.Lock()
	frames, quit := r.frames, r.quit
	r.mu.Unlock()

	r.readers.Add(1)
	go r.acceptLoop(frames, quit)

	ready()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			r.handle(f)
		}
	}
}

// handle processes one reader result on the worker goroutine
func (r *receiveWorker) handle(f received) {
	if f.err != nil {
		if !r.stopping.Load() {
			r.core.failedReceiveMessage(f.cookie, f.err)
		}
		return
	}

	r.core.metrics.recvMessages.Mark(1)
	r.core.metrics.recvBytes.Mark(int64(f.size))
	r.core.metrics.frameSizes.AddSample(f.size)
	r.core.processReceivedMessage(f.msg, f.conn)
}

// acceptLoop admits new clients and starts a reader for each
func (r *receiveWorker) acceptLoop(frames chan<- received, quit <-chan struct{}) {
	defer r.readers.Done()

	var backoff time.Duration
	for {
		conn, err := r.host.Accept()
		if err != nil {
			if r.stopping.Load() {
				return
			}
			if isTransientAcceptError(err) {
				backoff = nextAcceptBackoff(backoff)
				Logger.Warningf("Accept failed, retrying in %s: %v", backoff, err)
				select {
				case <-time.After(backoff):
					continue
				case <-quit:
					return
				}
			}
			r.core.listenerLost(err)
			return
		}
		backoff = 0

		cookie, ok := r.host.AcceptConnection(conn)
		if !ok {
			r.core.metrics.rejected.Inc()
			continue
		}
		r.core.metrics.accepted.Inc()

		// registered after InterruptReceive ran, the socket is closed with the rest
		if r.stopping.Load() {
			return
		}

		r.readers.Add(1)
		go r.readLoop(conn, cookie, frames, quit)
	}
}

// readLoop reads frames from one client until the stream breaks
func (r *receiveWorker) readLoop(conn net.Conn, cookie common.Cookie, frames chan<- received, quit <-chan struct{}) {
	defer r.readers.Done()

	buf := base.GetBuffer()
	defer base.PutBuffer(buf)

	for !r.stopping.Load() {
		msg, n, err := base.ReadMessage(conn, r.serializer, *buf, r.maxFrame)

		var protoErr *base.ProtocolError
		if errors.As(err, &protoErr) {
			Logger.Warningf("Dropping undecodable frame from %s: %v", cookie, err)
			r.core.metrics.dropped.Inc()
			continue
		}

		// serializers copy the payload, buf can be reused
		select {
		case frames <- received{msg: msg, conn: conn, cookie: cookie, size: n, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

const maxAcceptBackoff = time.Second

// nextAcceptBackoff doubles the pause between failed accepts, starting at 5ms
func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}

// isTransientAcceptError reports whether accept failed for one connection or
// for lack of resources while the listening socket itself is fine
func isTransientAcceptError(err error) bool {
	if errors.Is(err, base.ErrSocketClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, host.ErrNotListening) {
		return false
	}
	for _, errno := range []syscall.Errno{syscall.ECONNABORTED, syscall.ECONNRESET, syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
