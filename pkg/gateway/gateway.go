// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/wsgate/pkg/broker"
	"github.com/absmach/wsgate/pkg/connector"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/absmach/wsgate/pkg/frame"
	"github.com/absmach/wsgate/pkg/health"
	"github.com/absmach/wsgate/pkg/metrics"
	"github.com/absmach/wsgate/pkg/ratelimit"
	"github.com/absmach/wsgate/pkg/session"
	"github.com/gorilla/websocket"
)

// DefaultShutdownTimeout bounds how long shutdown waits for sessions to drain.
const DefaultShutdownTimeout = 5 * time.Second

// Config holds the gateway configuration.
type Config struct {
	// Connector is the parsed connector URI.
	Connector connector.Config

	// TLSConfig is required for wss and https connectors.
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for sessions to drain
	// during graceful shutdown. After this timeout, remaining sessions are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// WriteTimeout bounds each outbound WebSocket write (default: 10s).
	WriteTimeout time.Duration

	// RateLimiter throttles handshakes per remote host (optional).
	RateLimiter *ratelimit.Limiter

	// Metrics (optional).
	Metrics *metrics.Metrics

	// Health reports the gateway state on plain GET requests (optional).
	Health *health.Checker

	// Events receives session transitions (optional). Sends never block;
	// events are dropped when the channel is full.
	Events chan<- session.Event

	// Logger for gateway events
	Logger *slog.Logger
}

// Gateway accepts WebSocket upgrades and plain HTTP requests on one connector.
type Gateway struct {
	config   Config
	broker   broker.Transport
	registry *session.Registry
	monitor  *session.IdleMonitor
	bridge   session.BridgeConfig
	upgrader websocket.Upgrader
	draining atomic.Bool

	mu   sync.Mutex
	addr net.Addr
}

// New creates a gateway that bridges upgraded sessions into b.
func New(cfg Config, b broker.Transport) (*Gateway, error) {
	if b == nil {
		return nil, errors.New("gateway requires a broker transport")
	}
	if cfg.Connector.Secure() && cfg.TLSConfig == nil {
		return nil, gwerrors.Wrap(gwerrors.ErrInvalidConfig, fmt.Sprintf("%s connector requires a TLS configuration", cfg.Connector.Scheme))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cc := &cfg.Connector
	if cc.MaxTextMessageSize <= 0 {
		cc.MaxTextMessageSize = connector.DefaultMaxTextMessageSize
	}
	if cc.MaxIdleTime <= 0 {
		cc.MaxIdleTime = connector.DefaultMaxIdleTime
	}
	if cc.CloseGracePeriod <= 0 {
		cc.CloseGracePeriod = connector.DefaultCloseGracePeriod
	}
	if cc.OutboundQueueSize <= 0 {
		cc.OutboundQueueSize = connector.DefaultOutboundQueueSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Health == nil {
		cfg.Health = health.NewChecker(time.Second)
	}

	g := &Gateway{
		config: cfg,
		broker: b,
		upgrader: websocket.Upgrader{
			// Any origin is accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.registry = session.NewRegistry(g.observe, cfg.Logger)
	g.monitor = session.NewIdleMonitor(g.registry, cfg.Connector.MaxIdleTime, cfg.Logger)
	g.bridge = session.BridgeConfig{
		Limiter:      frame.NewLimiter(cfg.Connector.MaxTextMessageSize),
		QueueSize:    cfg.Connector.OutboundQueueSize,
		WriteTimeout: cfg.WriteTimeout,
		Broker:       b,
		Metrics:      cfg.Metrics,
		Logger:       cfg.Logger,
	}

	cfg.Health.RegisterCritical("gateway", func(context.Context) error {
		if g.draining.Load() {
			return gwerrors.ErrShuttingDown
		}
		return nil
	})
	cfg.Health.RegisterInfo("sessions", func() any { return g.registry.Len() })

	return g, nil
}

// Listen binds the connector address and serves until ctx is cancelled.
func (g *Gateway) Listen(ctx context.Context) error {
	address := g.config.Connector.Address()
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return g.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains all
// sessions. It returns ErrShutdownTimeout if sessions had to be forced shut.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()

	var l net.Listener = &trackingListener{Listener: ln, g: g}
	if g.config.TLSConfig != nil {
		l = tls.NewListener(l, g.config.TLSConfig)
		g.config.Logger.Info("TLS enabled", slog.String("address", ln.Addr().String()))
	}

	srv := &http.Server{
		Handler:  g,
		ErrorLog: slog.NewLogLogger(g.config.Logger.Handler(), slog.LevelDebug),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if s := sessionOf(c); s != nil {
				return context.WithValue(ctx, sessionKey{}, s)
			}
			return ctx
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if state != http.StateClosed {
				return
			}
			if s := sessionOf(c); s != nil {
				s.Finish()
			}
		},
	}
	srv.SetKeepAlivesEnabled(false)

	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	go g.monitor.Run(monCtx)

	g.config.Logger.Info("Gateway started",
		slog.String("address", ln.Addr().String()),
		slog.String("scheme", g.config.Connector.Scheme),
		slog.String("enable_trace", g.config.Connector.EnableTrace.String()),
		slog.Int64("max_message_size", g.config.Connector.MaxTextMessageSize),
		slog.Duration("max_idle_time", g.config.Connector.MaxIdleTime))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case <-ctx.Done():
		return g.shutdown(srv, errCh)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (g *Gateway) shutdown(srv *http.Server, errCh <-chan error) error {
	g.draining.Store(true)
	n := g.registry.Broadcast(websocket.CloseGoingAway, gwerrors.ErrShuttingDown)
	g.config.Logger.Info("Shutdown signal received, draining sessions", slog.Int("sessions", n))

	drainErr := g.registry.DrainAll(g.config.ShutdownTimeout)

	if err := srv.Close(); err != nil {
		g.config.Logger.Error("Error closing listener", slog.String("error", err.Error()))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		g.config.Logger.Error("Server error during shutdown", slog.String("error", err.Error()))
	}

	if drainErr != nil {
		return drainErr
	}
	g.config.Logger.Info("Gateway shutdown complete")
	return nil
}

// Addr returns the address the gateway is serving on, or nil before Serve.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	return g.registry.Len()
}

func (g *Gateway) observe(ev session.Event) {
	m := g.config.Metrics
	if ev.From == ev.To {
		m.ObserveOpen()
	} else {
		m.ObserveTransition(ev.From.String(), ev.To.String())
	}
	if ev.Code != 0 {
		m.ObserveClose(ev.Code)
	}
	if ev.To == session.StateClosed && ev.Cause != nil {
		m.ObserveFault(gwerrors.KindOf(ev.Cause).String())
	}

	if ev.From != ev.To {
		attrs := []any{
			slog.String("session", ev.SessionID),
			slog.String("remote", ev.RemoteAddr),
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
		}
		if ev.Code != 0 {
			attrs = append(attrs, slog.Int("code", ev.Code))
		}
		if ev.Cause != nil {
			attrs = append(attrs, slog.String("cause", ev.Cause.Error()))
		}
		g.config.Logger.Debug("Session transition", attrs...)
	}

	if g.config.Events != nil {
		select {
		case g.config.Events <- ev:
		default:
		}
	}
}
