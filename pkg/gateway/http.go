// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/absmach/wsgate/pkg/broker"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/absmach/wsgate/pkg/health"
	"github.com/absmach/wsgate/pkg/policy"
	"github.com/absmach/wsgate/pkg/session"
	"github.com/absmach/wsgate/pkg/upgrade"
)

// Headers removed from TRACE echoes.
var credentialHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie"}

// ServeHTTP negotiates every request: denied methods and malformed upgrades
// are rejected, valid upgrades are bridged to the broker and everything else
// is answered as plain HTTP.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	if g.draining.Load() {
		http.Error(w, gwerrors.ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	out := upgrade.Negotiate(r, g.config.Connector)
	g.config.Metrics.ObserveNegotiation(r.Method, out.Action.String(), out.Status, out.Decision.Allowed)

	switch out.Action {
	case upgrade.ActionReject:
		g.reject(w, r, out)
	case upgrade.ActionServe:
		g.serve(w, r)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if sess != nil {
			sess.Activate(nil)
		}
	case upgrade.ActionUpgrade:
		g.serveWebSocket(w, r, sess)
	}
}

// reject answers with the outcome status. The session stays OPEN and is
// closed together with the connection.
func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, out upgrade.Outcome) {
	g.config.Metrics.ObserveFault(gwerrors.KindOf(out.Err).String())
	g.config.Logger.Debug("Request rejected",
		slog.String("remote", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.Int("status", out.Status),
		slog.String("error", out.Err.Error()))

	if out.Status == http.StatusBadRequest {
		w.Header().Set("Sec-WebSocket-Version", "13")
	}
	http.Error(w, http.StatusText(out.Status), out.Status)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	allow := policy.AllowHeader(g.config.Connector)

	switch strings.ToUpper(r.Method) {
	case http.MethodGet, http.MethodHead:
		report := g.config.Health.Report(r.Context())
		if err := health.WriteJSON(w, http.StatusOK, report); err != nil {
			g.config.Logger.Debug("Failed to write health report", slog.String("error", err.Error()))
		}
	case http.MethodOptions:
		w.Header().Set("Allow", allow)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodTrace:
		g.serveTrace(w, r)
	default:
		w.Header().Set("Allow", allow)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// serveTrace echoes the request head back to the client without credentials.
func (g *Gateway) serveTrace(w http.ResponseWriter, r *http.Request) {
	echo := r.Clone(r.Context())
	for _, h := range credentialHeaders {
		echo.Header.Del(h)
	}
	dump, err := httputil.DumpRequest(echo, false)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "message/http")
	w.WriteHeader(http.StatusOK)
	w.Write(dump)
}

func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if g.config.RateLimiter != nil && !g.config.RateLimiter.AllowAddr(r.RemoteAddr) {
		g.config.Metrics.ObserveRateLimited()
		g.config.Metrics.ObserveFault(gwerrors.KindOf(gwerrors.ErrRateLimited).String())
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		g.config.Logger.Debug("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	// Served outside Serve, for instance behind another http.Server.
	if sess == nil {
		sess = session.New(ws.NetConn(), g.config.Connector.CloseGracePeriod)
		if err := g.registry.Add(sess); err != nil {
			ws.Close()
			return
		}
	}
	if !sess.Activate(ws) {
		ws.Close()
		return
	}

	bctx := &broker.Context{
		SessionID:  sess.ID(),
		RemoteAddr: sess.RemoteAddr(),
		Path:       r.URL.Path,
	}
	g.config.Logger.Debug("WebSocket session started",
		slog.String("session", sess.ID()),
		slog.String("remote", sess.RemoteAddr()),
		slog.String("path", r.URL.Path))

	err = session.NewBridge(sess, ws, bctx, g.bridge).Run(r.Context())
	if err != nil {
		g.config.Logger.Debug("WebSocket session ended with error",
			slog.String("session", sess.ID()),
			slog.String("kind", gwerrors.KindOf(err).String()),
			slog.String("error", err.Error()))
		return
	}
	g.config.Logger.Debug("WebSocket session ended", slog.String("session", sess.ID()))
}
