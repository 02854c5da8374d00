// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session tracks accepted connections from accept to close.
//
// # Lifecycle
//
//	OPEN ──Activate──▶ ACTIVE ──Shutdown / peer close──▶ CLOSING ──▶ CLOSED
//	  │                  │                                            ▲
//	  └──reject, idle────┼────────────────────────────────────────────┤
//	                     └──transport failure (Fail)──────────────────┘
//
// A session is created when the listener accepts a socket, so the idle clock
// starts before any request is read. Transitions are compare-and-swap on an
// atomic state, which makes Shutdown idempotent: a second call, or a call on
// a session that is already closing, does nothing.
//
// A WebSocket session in CLOSING has sent or received a close frame. It
// reaches CLOSED when the handshake completes or when the grace period
// elapses, whichever comes first.
//
// # Registry and idle monitor
//
// Registry holds sessions until they close and reports every transition to
// an observer. Its lock is held only to change membership; shutting sessions
// down happens on a snapshot. IdleMonitor sweeps the registry at
// min(maxIdle/2, 1s) and shuts down sessions idle for longer than maxIdle
// with close code 1000.
//
// # Bridge
//
// Bridge runs three goroutines per WebSocket session: a reader that enforces
// the message size limit and delivers to the broker, a pump that pulls broker
// messages into a bounded queue, and a single writer that drains the queue in
// order. A full queue closes the session with 1008, a broker that ends the
// session yields 1001, and an oversized message yields 1009 without any part
// of it being delivered.
package session
