// Package common provides the data structures shared by every part of dMux:
// the routing data model, configuration structures and the logger factory.
//
// Key Components:
//
//   - Cookie: session identifier assigned by the router to each accepted
//     connection. A few low values are reserved (unknown, local, router),
//     clients get values from CookieFirstRemote upwards.
//
//   - MessageID: numeric kind of a message. The router distinguishes the
//     executable range (application traffic it forwards) from the control
//     range (handshake and disconnect it handles itself).
//
//   - RemoteMessage: the routed unit (id, source, target, checksum, payload)
//     with factory functions for the control messages.
//
//   - ServiceConfig / LoadServiceConfig: the {enabled, host, port} triple per
//     connection type key, read through viper with documented defaults.
//
//   - RouterConfig / ClientConfig: full parameter sets of the router and of
//     client sessions.
//
//   - Logger: zap backed implementation of dragonboat's logger.ILogger so the
//     whole code base logs through logger.GetLogger(name).
package common
