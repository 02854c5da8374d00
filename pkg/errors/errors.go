// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the WebSocket gateway.
//
// Errors fall into five kinds. Only configuration errors are fatal; every
// other kind is scoped to the connection that produced it.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Kind classifies an error by the scope of its consequences.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is an invalid connector parameter. The gateway refuses to bind.
	KindConfig
	// KindProtocol is a malformed upgrade request or frame.
	KindProtocol
	// KindPolicy is a request denied by the method policy.
	KindPolicy
	// KindResource is an exceeded limit: message size, idle window, outbound queue.
	KindResource
	// KindTransport is a socket level failure. The peer is expected to reconnect.
	KindTransport
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProtocol:
		return "protocol"
	case KindPolicy:
		return "policy"
	case KindResource:
		return "resource"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidConfig indicates an invalid connector parameter.
	ErrInvalidConfig = errors.New("invalid connector configuration")

	// ErrMalformedUpgrade indicates a WebSocket upgrade request with invalid headers.
	ErrMalformedUpgrade = errors.New("malformed websocket upgrade")

	// ErrMethodNotAllowed indicates an HTTP method denied by the method policy.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrMessageTooBig indicates a logical message larger than the configured maximum.
	ErrMessageTooBig = errors.New("message too big")

	// ErrIdleTimeout indicates a connection exceeded its idle window.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrSlowConsumer indicates the outbound queue of a connection is full.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrRateLimited indicates a handshake rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrShuttingDown indicates the gateway is shutting down.
	ErrShuttingDown = errors.New("gateway shutting down")

	// ErrBrokerClosed indicates the broker closed its side of a session.
	ErrBrokerClosed = errors.New("broker closed session")

	// ErrShutdownTimeout is returned when draining exceeds the shutdown timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// KindOf classifies err. Unrecognised I/O and network errors are transport faults.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidConfig):
		return KindConfig
	case errors.Is(err, ErrMalformedUpgrade):
		return KindProtocol
	case errors.Is(err, ErrMethodNotAllowed):
		return KindPolicy
	case errors.Is(err, ErrMessageTooBig),
		errors.Is(err, ErrIdleTimeout),
		errors.Is(err, ErrSlowConsumer),
		errors.Is(err, ErrRateLimited):
		return KindResource
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return KindTransport
	}
	return KindUnknown
}

// GatewayError wraps an error with the connection it happened on.
type GatewayError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError. It returns nil when err is nil.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
