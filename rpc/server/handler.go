package server

import (
	"sync/atomic"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// IMessageHandler processes a message delivered to the router itself.
// Handlers run on the dispatcher goroutine, one at a time, and must not block
// or call back into the lifecycle API of the core (Connect, Disconnect,
// Close).
type IMessageHandler interface {
	// Handle processes msg. A non-nil result is sent back to the source of
	// msg, the core fills in source and target.
	Handle(msg common.RemoteMessage) *common.RemoteMessage
}

// HandlerFunc adapts a function to IMessageHandler
type HandlerFunc func(msg common.RemoteMessage) *common.RemoteMessage

// Handle calls f(msg)
func (f HandlerFunc) Handle(msg common.RemoteMessage) *common.RemoteMessage {
	return f(msg)
}

// EchoHandler replies with the payload it received
func EchoHandler() IMessageHandler {
	return HandlerFunc(func(msg common.RemoteMessage) *common.RemoteMessage {
		reply := msg.Reply(msg.Payload)
		return &reply
	})
}

// handlerBox lets an interface value live in an atomic.Pointer
type handlerBox struct {
	h IMessageHandler
}

// handlerTable maps message ids to handlers, with a default for misses
type handlerTable struct {
	handlers *xsync.MapOf[common.MessageID, IMessageHandler]
	fallback atomic.Pointer[handlerBox]
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		handlers: xsync.NewMapOf[common.MessageID, IMessageHandler](),
	}
}

// register sets the handler of id, nil removes it
func (t *handlerTable) register(id common.MessageID, h IMessageHandler) {
	if h == nil {
		t.handlers.Delete(id)
		return
	}
	t.handlers.Store(id, h)
}

// setDefault sets the handler for ids without an entry, nil removes it
func (t *handlerTable) setDefault(h IMessageHandler) {
	if h == nil {
		t.fallback.Store(nil)
		return
	}
	t.fallback.Store(&handlerBox{h: h})
}

// lookup returns the handler of id, the default handler or nil
func (t *handlerTable) lookup(id common.MessageID) IMessageHandler {
	if h, ok := t.handlers.Load(id); ok {
		return h
	}
	if box := t.fallback.Load(); box != nil {
		return box.h
	}
	return nil
}

// lookupExact returns the handler registered for id, ignoring the default
func (t *handlerTable) lookupExact(id common.MessageID) IMessageHandler {
	if h, ok := t.handlers.Load(id); ok {
		return h
	}
	return nil
}
