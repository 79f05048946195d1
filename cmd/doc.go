// Package cmd implements the command-line interface of the dMux router. It
// provides a hierarchical command structure for running the router and for
// talking to a running router as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the router (transport, access list, retry
//     delay, metrics endpoint, ...)
//   - client: Commands that open a session with a router (ping, send, listen)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Precedence of configuration sources: flags, environment variables
// (DMUX_<FLAG>, dots and dashes become underscores, .env and .env.local are
// loaded first), config file given with --config, defaults.
//
// See dmux -help for a list of all commands.
package cmd
