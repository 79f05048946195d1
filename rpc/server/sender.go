package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/lib/queue"
	"github.com/ValentinKolb/dMux/lib/worker"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/host"
	"github.com/ValentinKolb/dMux/rpc/serializer"
)

// sendWorker writes outbound messages. Producers on any goroutine enqueue,
// one goroutine writes, so messages from one producer go out in order.
type sendWorker struct {
	core         *ServiceCore
	host         *host.ConnectionHost
	serializer   serializer.IRPCSerializer
	writeTimeout time.Duration

	w     *worker.Worker
	queue atomic.Pointer[queue.LockFreeMPSC[common.RemoteMessage]]
}

func newSendWorker(core *ServiceCore, h *host.ConnectionHost, s serializer.IRPCSerializer, writeTimeout time.Duration) *sendWorker {
	sw := &sendWorker{
		core:         core,
		host:         h,
		serializer:   s,
		writeTimeout: writeTimeout,
	}
	sw.w = worker.New("sender", sw.run)
	return sw
}

// start creates a fresh queue and waits until the goroutine is ready
func (s *sendWorker) start(timeout time.Duration) error {
	q := queue.NewLockFreeMPSC[common.RemoteMessage]()
	s.queue.Store(q)
	if err := s.w.Start(timeout); err != nil {
		q.Close()
		return err
	}
	return nil
}

// stop rejects new messages, writes what is already queued and joins
func (s *sendWorker) stop() {
	if q := s.queue.Load(); q != nil {
		q.Close()
	}
	s.w.Stop()
}

// send enqueues msg. It returns false if the worker is not running.
func (s *sendWorker) send(msg common.RemoteMessage) bool {
	q := s.queue.Load()
	if q == nil {
		return false
	}
	return q.Push(&msg)
}

func (s *sendWorker) isRunning() bool {
	return s.w.IsRunning()
}

// run ends when the queue is closed and drained, not on ctx, so stop flushes
func (s *sendWorker) run(_ context.Context, ready func()) {
	q := s.queue.Load()
	ready()

	for msg := range q.Recv() {
		s.write(*msg)
	}
}

// write resolves the target and writes one frame
func (s *sendWorker) write(msg common.RemoteMessage) {
	target := s.host.GetClientByCookie(msg.Target)
	if !target.IsValid() {
		Logger.Debugf("Dropping %s, target not connected", msg)
		s.core.metrics.dropped.Inc()
		return
	}

	n, err := target.WriteMessage(s.serializer, msg, s.writeTimeout)
	if err != nil {
		s.core.failedSendMessage(msg, target, err)
		return
	}

	s.core.metrics.sendMessages.Mark(1)
	s.core.metrics.sendBytes.Mark(int64(n))
	s.core.metrics.frameSizes.AddSample(n)
}
