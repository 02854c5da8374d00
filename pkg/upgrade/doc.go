// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upgrade negotiates between plain HTTP and the WebSocket protocol.
//
// # Negotiation
//
// Every request goes through the same steps:
//
//  1. The method policy (package policy) is evaluated. A denied method is
//     rejected with its status code (403 for TRACE unless enabled).
//  2. A request without an "Upgrade: websocket" header is served as HTTP.
//  3. An upgrade request must be a GET carrying a "Connection: upgrade" token,
//     "Sec-WebSocket-Version: 13" and a Sec-WebSocket-Key that decodes to 16
//     bytes. Anything else is rejected with 400 and the connection is closed.
//     A malformed upgrade is never downgraded to plain HTTP.
//  4. A valid upgrade yields ActionUpgrade with the computed accept key.
//
// Negotiate only decides. Writing the 101 response and taking over the
// connection is done by the gateway with gorilla/websocket.
package upgrade
