// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles WebSocket handshakes per client host.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 10000
	defaultIdleTTL    = 5 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-client token buckets.
type Limiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	limit      rate.Limit
	burst      int
	maxClients int
	idleTTL    time.Duration
	now        func() time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

// NewLimiter creates a limiter allowing capacity handshakes in a burst and
// refillRate handshakes per second per client. Idle clients are evicted in
// the background until Close is called.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	l := &Limiter{
		clients:    make(map[string]*client),
		limit:      rate.Limit(refillRate),
		burst:      int(capacity),
		maxClients: maxClients,
		idleTTL:    defaultIdleTTL,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow reports whether a handshake from the given client may proceed.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	now := l.now()
	c, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// AllowAddr is Allow keyed by the host part of a remote address.
func (l *Limiter) AllowAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return l.Allow(host)
}

// Remove removes a client's limiter.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops background eviction.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

// evict drops clients not seen within the idle TTL.
func (l *Limiter) evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idleTTL {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}
