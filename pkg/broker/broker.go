// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
)

var (
	// ErrUnknownSession is returned for a session that was never opened or is already closed.
	ErrUnknownSession = errors.New("unknown broker session")

	// ErrSessionExists is returned when a session ID is opened twice.
	ErrSessionExists = errors.New("broker session already open")
)

// Context carries the metadata of the WebSocket session a broker session belongs to.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Path is the request path of the upgrade request
	Path string

	// ClientID is filled in by framers that can extract it (MQTT CONNECT)
	ClientID string
}

// Transport is the message-transport abstraction the gateway bridges into.
//
// The gateway calls Open once per upgraded connection, then calls
// OnInboundMessage from a single reader goroutine and NextOutboundMessage from
// a single pump goroutine. Close is called exactly once when the session ends.
type Transport interface {
	// Open starts a broker session.
	Open(ctx context.Context, c *Context) error

	// OnInboundMessage delivers one complete client message to the broker.
	OnInboundMessage(ctx context.Context, sessionID string, msg []byte) error

	// NextOutboundMessage blocks until the broker has a message for the client.
	// It returns io.EOF when the broker closed the session.
	NextOutboundMessage(ctx context.Context, sessionID string) ([]byte, error)

	// Close ends the broker session and releases its resources.
	Close(ctx context.Context, sessionID string) error
}
