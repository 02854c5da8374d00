// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker defines the message-transport abstraction behind the gateway
// and provides two implementations.
//
// # Memory
//
// Memory keeps sessions in process. In echo mode every inbound message is
// published back to the same session, which makes it a convenient default
// for the binary and for tests. Messages received from clients are kept
// after a session closes so tests can assert on what was delivered.
//
// # Upstream
//
// Upstream forwards every session over its own TCP connection to a broker
// such as an MQTT server. Dials go through a circuit breaker so an
// unreachable broker fails new sessions fast instead of stalling handshakes.
// The byte stream coming back is split by a Framer:
//
//   - MQTTFramer reads whole MQTT control packets with the paho packets
//     library, so every WebSocket message carries complete packets.
//   - RawFramer forwards whatever bytes are available, up to 32 KiB per
//     message.
//
// Framers also inspect inbound messages so packet types can be counted.
// Inspection never rewrites or blocks traffic.
package broker
