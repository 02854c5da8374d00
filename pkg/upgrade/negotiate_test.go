// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/wsgate/pkg/connector"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

func upgradeRequest(method string, mutate func(h http.Header)) *http.Request {
	r := httptest.NewRequest(method, "/", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Key", sampleKey)
	if mutate != nil {
		mutate(r.Header)
	}
	return r
}

func TestAcceptKey(t *testing.T) {
	// Example from RFC 6455, section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey(sampleKey))
}

func TestNegotiate(t *testing.T) {
	disabled := connector.Config{EnableTrace: connector.TraceUnset}
	enabled := connector.Config{EnableTrace: connector.TraceEnabled}

	tests := []struct {
		name   string
		req    *http.Request
		cfg    connector.Config
		action Action
		status int
		err    error
	}{
		{
			name:   "valid upgrade",
			req:    upgradeRequest(http.MethodGet, nil),
			cfg:    disabled,
			action: ActionUpgrade,
			status: http.StatusSwitchingProtocols,
		},
		{
			name: "case insensitive headers",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Set("Upgrade", "WebSocket")
				h.Set("Connection", "UPGRADE")
			}),
			cfg:    disabled,
			action: ActionUpgrade,
			status: http.StatusSwitchingProtocols,
		},
		{
			name:   "plain get",
			req:    httptest.NewRequest(http.MethodGet, "/", nil),
			cfg:    disabled,
			action: ActionServe,
			status: http.StatusOK,
		},
		{
			name:   "head",
			req:    httptest.NewRequest(http.MethodHead, "/", nil),
			cfg:    disabled,
			action: ActionServe,
			status: http.StatusOK,
		},
		{
			name:   "trace forbidden",
			req:    httptest.NewRequest(http.MethodTrace, "/", nil),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusForbidden,
			err:    gwerrors.ErrMethodNotAllowed,
		},
		{
			name:   "trace enabled",
			req:    httptest.NewRequest(http.MethodTrace, "/", nil),
			cfg:    enabled,
			action: ActionServe,
			status: http.StatusOK,
		},
		{
			name:   "trace with upgrade headers is gated first",
			req:    upgradeRequest(http.MethodTrace, nil),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusForbidden,
			err:    gwerrors.ErrMethodNotAllowed,
		},
		{
			name: "bad key",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Set("Sec-WebSocket-Key", "not-base64!")
			}),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
		{
			name: "short key",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Set("Sec-WebSocket-Key", "c2hvcnQ=")
			}),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
		{
			name: "missing key",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Del("Sec-WebSocket-Key")
			}),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
		{
			name: "missing connection token",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Set("Connection", "keep-alive")
			}),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
		{
			name: "wrong version",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Set("Sec-WebSocket-Version", "8")
			}),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
		{
			name:   "post with upgrade",
			req:    upgradeRequest(http.MethodPost, nil),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
		{
			name: "other upgrade protocol",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Set("Upgrade", "h2c")
				h.Del("Sec-WebSocket-Key")
			}),
			cfg:    disabled,
			action: ActionServe,
			status: http.StatusOK,
		},
		{
			name: "key without upgrade header",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Del("Upgrade")
				h.Set("Connection", "Upgrade")
				h.Set("Sec-WebSocket-Key", "not-base64!!")
			}),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
		{
			name: "valid key without upgrade header",
			req: upgradeRequest(http.MethodGet, func(h http.Header) {
				h.Del("Upgrade")
			}),
			cfg:    disabled,
			action: ActionReject,
			status: http.StatusBadRequest,
			err:    gwerrors.ErrMalformedUpgrade,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Negotiate(tt.req, tt.cfg)
			assert.Equal(t, tt.action, out.Action)
			assert.Equal(t, tt.status, out.Status)
			if tt.err != nil {
				assert.ErrorIs(t, out.Err, tt.err)
			} else {
				assert.NoError(t, out.Err)
			}
			if tt.action == ActionUpgrade {
				assert.Equal(t, AcceptKey(sampleKey), out.AcceptKey)
			}
		})
	}
}
