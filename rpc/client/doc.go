// Package client implements a session with a dMux router.
//
// Connect dials the router through a transport connector, sends the connect
// request and waits for the handshake response, which carries the cookie the
// router assigned to this connection. Afterwards the session can:
//
//   - Send a message to any other client by cookie (fire and forget)
//   - Request: send and wait for the answer with the same message id from
//     the same peer
//   - receive everything else from Messages
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Service:       common.DefaultServiceConfig("router"),
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//
//	c, err := client.Connect(config, tcp.NewClientConnector(), serializer.NewBinarySerializer())
//	if err != nil {
//	  log.Fatalf("connect: %v", err)
//	}
//	defer c.Disconnect()
//
//	rtt, err := c.Ping(context.Background(), []byte("hello"))
//
// Thread Safety:
//
//	Send and Request may be called from several goroutines. Only one Request
//	per (message id, target) pair can be pending at a time.
package client
