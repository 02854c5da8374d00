// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"time"

	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/gorilla/websocket"
)

const maxSweepInterval = time.Second

// IdleMonitor closes sessions that exceed their idle window.
type IdleMonitor struct {
	registry *Registry
	maxIdle  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewIdleMonitor creates a monitor for the sessions of r.
func NewIdleMonitor(r *Registry, maxIdle time.Duration, logger *slog.Logger) *IdleMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleMonitor{
		registry: r,
		maxIdle:  maxIdle,
		interval: sweepInterval(maxIdle),
		now:      time.Now,
		logger:   logger,
	}
}

func sweepInterval(maxIdle time.Duration) time.Duration {
	d := min(maxIdle/2, maxSweepInterval)
	if d <= 0 {
		return maxSweepInterval
	}
	return d
}

// Interval returns the sweep period.
func (m *IdleMonitor) Interval() time.Duration { return m.interval }

// Run sweeps periodically until ctx is cancelled.
func (m *IdleMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("Closed idle sessions", slog.Int("count", n))
			}
		}
	}
}

// Sweep closes every OPEN or ACTIVE session idle for longer than the limit
// and returns how many it closed.
func (m *IdleMonitor) Sweep() int {
	now := m.now()
	closed := 0
	for _, s := range m.registry.Snapshot() {
		switch s.State() {
		case StateOpen, StateActive:
		default:
			continue
		}
		if s.IdleFor(now) <= m.maxIdle {
			continue
		}
		if s.Shutdown(websocket.CloseNormalClosure, gwerrors.ErrIdleTimeout) {
			m.logger.Debug("Session idle timeout",
				slog.String("session", s.ID()),
				slog.String("remote", s.RemoteAddr()))
			closed++
		}
	}
	return closed
}
