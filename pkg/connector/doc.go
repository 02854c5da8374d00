// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connector parses the connector URI of a WebSocket transport endpoint.
//
// # Parameters
//
//	websocket.maxTextMessageSize  positive integer, bytes (default 65536)
//	websocket.outboundQueueSize   positive integer, messages (default 256)
//	transport.maxIdleTime         positive integer, milliseconds (default 30000)
//	transport.closeGracePeriod    positive integer, milliseconds (default 1000)
//	http.enableTrace              absent | "" | "true" | "false"
//
// An absent or empty http.enableTrace yields TraceUnset, which forbids TRACE
// exactly like "false". Any other literal is a ConfigError.
//
// Example:
//
//	cfg, err := connector.Parse("ws://127.0.0.1:61623?transport.maxIdleTime=1001", nil)
//	if err != nil {
//		// errors.Is(err, gwerrors.ErrInvalidConfig) == true
//	}
package connector
