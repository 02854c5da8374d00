// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the HTTP method guard of the gateway.
//
// The guard is a security boundary independent of protocol negotiation: it is
// evaluated for every request before any WebSocket upgrade is considered, so a
// TRACE request carrying upgrade headers is still denied.
package policy

import (
	"net/http"
	"strings"

	"github.com/absmach/wsgate/pkg/connector"
)

// Decision is the outcome of evaluating a method against the connector policy.
type Decision struct {
	Allowed    bool
	StatusCode int
}

// Evaluate decides whether method may be served under cfg.
func Evaluate(method string, cfg connector.Config) Decision {
	// Methods are case-sensitive in HTTP, but some intermediaries normalise them.
	if strings.EqualFold(method, http.MethodTrace) {
		if cfg.EnableTrace.Allows() {
			return Decision{Allowed: true, StatusCode: http.StatusOK}
		}
		return Decision{Allowed: false, StatusCode: http.StatusForbidden}
	}
	return Decision{Allowed: true, StatusCode: http.StatusOK}
}

// AllowHeader returns the value of the Allow header for the plain HTTP surface.
func AllowHeader(cfg connector.Config) string {
	methods := []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	if cfg.EnableTrace.Allows() {
		methods = append(methods, http.MethodTrace)
	}
	return strings.Join(methods, ", ")
}
