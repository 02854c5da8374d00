// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/absmach/wsgate/pkg/connector"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/absmach/wsgate/pkg/policy"
	"golang.org/x/net/http/httpguts"
)

// websocketGUID is the key suffix defined by RFC 6455, section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Action is what the gateway does with a request.
type Action int

const (
	// ActionServe answers the request as plain HTTP.
	ActionServe Action = iota
	// ActionUpgrade completes the WebSocket handshake.
	ActionUpgrade
	// ActionReject answers with Outcome.Status and closes the connection.
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionServe:
		return "serve"
	case ActionUpgrade:
		return "upgrade"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Outcome is the result of negotiating one request.
type Outcome struct {
	Action Action
	// Status is the HTTP status to answer with for ActionServe and ActionReject.
	Status int
	// Decision is the method policy decision the outcome is based on.
	Decision policy.Decision
	// AcceptKey is the Sec-WebSocket-Accept value for ActionUpgrade.
	AcceptKey string
	// Err explains an ActionReject.
	Err error
}

// Negotiate decides how to handle r. The method policy is evaluated first;
// only requests it allows are considered for upgrade.
func Negotiate(r *http.Request, cfg connector.Config) Outcome {
	d := policy.Evaluate(r.Method, cfg)
	if !d.Allowed {
		return Outcome{Action: ActionReject, Status: d.StatusCode, Decision: d, Err: gwerrors.ErrMethodNotAllowed}
	}

	if !RequestsUpgrade(r) {
		return Outcome{Action: ActionServe, Status: d.StatusCode, Decision: d}
	}

	key, err := validate(r)
	if err != nil {
		return Outcome{Action: ActionReject, Status: http.StatusBadRequest, Decision: d, Err: err}
	}

	return Outcome{
		Action:    ActionUpgrade,
		Status:    http.StatusSwitchingProtocols,
		Decision:  d,
		AcceptKey: AcceptKey(key),
	}
}

// RequestsUpgrade reports whether r attempts a WebSocket handshake: it asks
// to switch to the websocket protocol or carries a Sec-WebSocket-Key. Any
// such request is either upgraded or rejected, never served as plain HTTP.
func RequestsUpgrade(r *http.Request) bool {
	if httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket") {
		return true
	}
	_, ok := r.Header["Sec-Websocket-Key"]
	return ok
}

func validate(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", gwerrors.Wrap(gwerrors.ErrMalformedUpgrade, "upgrade requires GET")
	}
	if !httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket") {
		return "", gwerrors.Wrap(gwerrors.ErrMalformedUpgrade, "missing Upgrade: websocket token")
	}
	if !httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") {
		return "", gwerrors.Wrap(gwerrors.ErrMalformedUpgrade, "missing Connection: upgrade token")
	}
	if r.Header.Get("Sec-Websocket-Version") != "13" {
		return "", gwerrors.Wrap(gwerrors.ErrMalformedUpgrade, "unsupported Sec-WebSocket-Version")
	}

	key := strings.TrimSpace(r.Header.Get("Sec-Websocket-Key"))
	if !validKey(key) {
		return "", gwerrors.Wrap(gwerrors.ErrMalformedUpgrade, "invalid Sec-WebSocket-Key")
	}
	return key, nil
}

// validKey reports whether key is the base64 encoding of a 16 byte nonce.
func validKey(key string) bool {
	if key == "" {
		return false
	}
	nonce, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(nonce) == 16
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
