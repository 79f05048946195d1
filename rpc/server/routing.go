package server

import (
	"net"

	"github.com/ValentinKolb/dMux/rpc/common"
)

// route is the outcome of the routing decision for one received message
type route uint8

const (
	routeIgnore route = iota
	routeForward
	routeLocal
	routeHandshake
)

func (r route) String() string {
	switch r {
	case routeForward:
		return "forward"
	case routeLocal:
		return "local"
	case routeHandshake:
		return "handshake"
	default:
		return "ignore"
	}
}

// decideRoute picks what happens to msg, received on a socket whose cookie
// is socketCookie (CookieUnknown if the socket is not registered). The rules
// are evaluated in order:
//
//  1. source is a registered client, the id is executable and the target is
//     not the router: forward to the target
//  2. source is the cookie of the socket and the id is not ServiceConnect:
//     deliver to the local handlers
//  3. source is unknown, the id is ServiceConnect and the socket has a
//     cookie: answer the handshake
//  4. anything else is ignored
func decideRoute(msg common.RemoteMessage, socketCookie common.Cookie, isRegistered func(common.Cookie) bool) route {
	if msg.Source.IsRemote() && isRegistered(msg.Source) &&
		msg.MessageID.IsExecutable() && msg.Target != common.CookieRouter {
		return routeForward
	}

	if socketCookie != common.CookieUnknown && msg.Source == socketCookie &&
		msg.MessageID != common.MsgIDServiceConnect {
		return routeLocal
	}

	if msg.Source == common.CookieUnknown && msg.MessageID == common.MsgIDServiceConnect &&
		socketCookie != common.CookieUnknown {
		return routeHandshake
	}

	return routeIgnore
}

// processReceivedMessage routes one message read from conn. It runs on the
// receive worker and only uses read-side registry lookups.
func (c *ServiceCore) processReceivedMessage(msg common.RemoteMessage, conn net.Conn) {
	c.metrics.received.Inc()
	cookie := c.host.GetCookie(conn)

	switch decideRoute(msg, cookie, c.host.IsRegistered) {
	case routeForward:
		// no fan-out: a target that is not a live client drops the message
		if !c.host.IsRegistered(msg.Target) {
			Logger.Debugf("Dropping %s from %s, target not connected", msg, cookie)
			c.metrics.dropped.Inc()
			return
		}
		if !c.sender.send(msg) {
			c.metrics.dropped.Inc()
			return
		}
		c.metrics.forwarded.Inc()

	case routeLocal:
		if !c.post(command{kind: cmdLocal, msg: msg}) {
			c.metrics.dropped.Inc()
			return
		}
		c.metrics.local.Inc()

	case routeHandshake:
		Logger.Infof("Handshake with %s", cookie)
		c.metrics.handshakes.Inc()
		if !c.sender.send(common.NewConnectResponse(cookie)) {
			Logger.Warningf("Could not queue handshake response for %s", cookie)
		}
		c.post(command{kind: cmdLocal, msg: common.NewConnectNotify(cookie)})

	default:
		Logger.Warningf("Ignoring %s on connection %s", msg, cookie)
		c.metrics.dropped.Inc()
	}
}

// deliverLocal hands a message addressed to the router to its handler. It
// runs on the dispatcher.
func (c *ServiceCore) deliverLocal(msg common.RemoteMessage) {
	// a client saying goodbye, notifications (target local) are already closed
	if msg.MessageID == common.MsgIDServiceDisconnect && msg.Source.IsRemote() && msg.Target != common.CookieLocal {
		if c.host.CloseConnection(msg.Source) {
			Logger.Infof("Client %s disconnected", msg.Source)
		}
	}

	// notifications only reach handlers registered for their id and are
	// never answered, their source is a client that did not send them
	notify := msg.Target == common.CookieLocal

	var h IMessageHandler
	if notify {
		h = c.handlers.lookupExact(msg.MessageID)
	} else {
		h = c.handlers.lookup(msg.MessageID)
	}
	if h == nil {
		Logger.Debugf("No handler for %s", msg)
		return
	}

	reply := h.Handle(msg)
	if reply == nil || notify || !msg.Source.IsRemote() {
		return
	}

	out := common.NewRemoteMessage(reply.MessageID, common.CookieRouter, msg.Source, reply.Payload)
	if !c.sender.send(out) {
		Logger.Warningf("Could not queue reply %s", out)
		c.metrics.dropped.Inc()
	}
}
