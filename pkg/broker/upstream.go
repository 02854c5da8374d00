// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/wsgate/pkg/breaker"
	"github.com/absmach/wsgate/pkg/metrics"
)

// UpstreamConfig holds configuration for the upstream broker transport.
type UpstreamConfig struct {
	// Address is the TCP address of the broker.
	Address string
	// DialTimeout bounds every dial attempt (default: 5s).
	DialTimeout time.Duration
	// Framer splits the broker stream (default: MQTTFramer).
	Framer Framer
	// Breaker guards dials (optional).
	Breaker *breaker.CircuitBreaker
	// Metrics counts framed packets (optional).
	Metrics *metrics.Metrics
	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger
}

type upstreamConn struct {
	bctx Context
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// Upstream forwards every session over its own TCP connection.
type Upstream struct {
	config UpstreamConfig
	dialer net.Dialer

	mu    sync.Mutex
	conns map[string]*upstreamConn
}

var _ Transport = (*Upstream)(nil)

// NewUpstream creates an upstream transport.
func NewUpstream(cfg UpstreamConfig) *Upstream {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Framer == nil {
		cfg.Framer = MQTTFramer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Upstream{
		config: cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		conns:  make(map[string]*upstreamConn),
	}
}

func (u *Upstream) Open(ctx context.Context, c *Context) error {
	u.mu.Lock()
	_, exists := u.conns[c.SessionID]
	u.mu.Unlock()
	if exists {
		return ErrSessionExists
	}

	var conn net.Conn
	dial := func() error {
		var err error
		conn, err = u.dialer.DialContext(ctx, "tcp", u.config.Address)
		return err
	}
	var err error
	if u.config.Breaker != nil {
		err = u.config.Breaker.Call(dial)
	} else {
		err = dial()
	}
	if err != nil {
		return err
	}

	uc := &upstreamConn{bctx: *c, conn: conn, r: bufio.NewReader(conn)}

	u.mu.Lock()
	if _, exists := u.conns[c.SessionID]; exists {
		u.mu.Unlock()
		conn.Close()
		return ErrSessionExists
	}
	u.conns[c.SessionID] = uc
	u.mu.Unlock()

	u.config.Logger.Debug("Upstream session opened",
		slog.String("session", c.SessionID),
		slog.String("upstream", u.config.Address))
	return nil
}

func (u *Upstream) OnInboundMessage(ctx context.Context, sessionID string, msg []byte) error {
	uc := u.conn(sessionID)
	if uc == nil {
		return ErrUnknownSession
	}

	pkts, err := u.config.Framer.Inspect(msg)
	if err != nil {
		u.config.Logger.Debug("Inbound message is not framed",
			slog.String("session", sessionID),
			slog.String("codec", u.config.Framer.Codec()),
			slog.String("error", err.Error()))
	}
	for _, p := range pkts {
		if p.ClientID != "" {
			u.mu.Lock()
			uc.bctx.ClientID = p.ClientID
			u.mu.Unlock()
		}
		u.config.Metrics.ObservePacket(u.config.Framer.Codec(), p.Type, "inbound")
	}

	uc.wmu.Lock()
	defer uc.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		uc.conn.SetWriteDeadline(deadline)
		defer uc.conn.SetWriteDeadline(time.Time{})
	}
	_, err = uc.conn.Write(msg)
	return err
}

// NextOutboundMessage reads the next framed message. Cancelling ctx unblocks
// the read.
func (u *Upstream) NextOutboundMessage(ctx context.Context, sessionID string) ([]byte, error) {
	uc := u.conn(sessionID)
	if uc == nil {
		return nil, io.EOF
	}

	stop := context.AfterFunc(ctx, func() {
		uc.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	msg, pkt, err := u.config.Framer.ReadMessage(uc.r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}

	u.config.Metrics.ObservePacket(u.config.Framer.Codec(), pkt.Type, "outbound")
	return msg, nil
}

func (u *Upstream) Close(ctx context.Context, sessionID string) error {
	u.mu.Lock()
	uc, ok := u.conns[sessionID]
	delete(u.conns, sessionID)
	var clientID string
	if ok {
		clientID = uc.bctx.ClientID
	}
	u.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}

	u.config.Logger.Debug("Upstream session closed",
		slog.String("session", sessionID),
		slog.String("client_id", clientID))
	return uc.conn.Close()
}

// ClientID returns the MQTT client ID seen on a session, if any.
func (u *Upstream) ClientID(sessionID string) string {
	u.mu.Lock()
	defer u.mu.Unlock()

	if uc, ok := u.conns[sessionID]; ok {
		return uc.bctx.ClientID
	}
	return ""
}

// Ping dials the broker once and reports whether it is reachable.
func (u *Upstream) Ping(ctx context.Context) error {
	conn, err := u.dialer.DialContext(ctx, "tcp", u.config.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (u *Upstream) conn(id string) *upstreamConn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conns[id]
}
