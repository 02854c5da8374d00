// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway serves a broker connector over WebSocket and plain HTTP.
//
// # Architecture
//
// The gateway wraps its listener so that every accepted socket gets a
// session (package session) before any byte is read. The session follows
// the connection through net/http: ConnContext attaches it to requests and
// ConnState finishes it when net/http closes the connection. Sockets taken
// over by a WebSocket upgrade are finished by their bridge instead.
//
// Every request is negotiated (package upgrade):
//
//   - denied methods (TRACE unless enabled) get their status, 403
//   - malformed upgrade requests get 400
//   - valid upgrades are completed with gorilla/websocket and bridged to the
//     broker transport
//   - other requests are served: GET and HEAD return a health report,
//     OPTIONS lists the allowed methods, an enabled TRACE echoes the request
//     head without credential headers, and anything else gets 405
//
// HTTP keep-alives are disabled, so every non-upgrade exchange closes its
// connection once answered.
//
// # Shutdown
//
// When the context passed to Serve is cancelled the gateway stops accepting
// work, sends close 1001 to every WebSocket session, closes the others and
// waits up to ShutdownTimeout for sessions to drain. Sessions still open
// after that are forced shut and Serve returns ErrShutdownTimeout.
//
// # Usage
//
//	cfg, err := connector.Parse("ws://0.0.0.0:61614?transport.maxIdleTime=30000", nil)
//	if err != nil {
//		return err
//	}
//	gw, err := gateway.New(gateway.Config{Connector: cfg, Logger: logger}, broker.NewMemory(true))
//	if err != nil {
//		return err
//	}
//	return gw.Listen(ctx)
package gateway
