// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/absmach/wsgate/pkg/session"
)

type sessionKey struct{}

// trackedConn records activity on its session for every byte moved.
type trackedConn struct {
	net.Conn
	sess *session.Session
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.sess.Touch()
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.sess.Touch()
	}
	return n, err
}

// trackingListener registers a session for every accepted socket.
type trackingListener struct {
	net.Listener
	g *Gateway
}

func (l *trackingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.g.draining.Load() {
			conn.Close()
			continue
		}

		tc := &trackedConn{Conn: conn}
		tc.sess = session.New(tc, l.g.config.Connector.CloseGracePeriod)
		if err := l.g.registry.Add(tc.sess); err != nil {
			l.g.config.Logger.Warn("Failed to register session",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			conn.Close()
			continue
		}
		return tc, nil
	}
}

func sessionOf(c net.Conn) *session.Session {
	if tc, ok := c.(*tls.Conn); ok {
		c = tc.NetConn()
	}
	if tc, ok := c.(*trackedConn); ok {
		return tc.sess
	}
	return nil
}

func sessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey{}).(*session.Session)
	return s
}
