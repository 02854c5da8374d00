// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	gwerrors "github.com/absmach/wsgate/pkg/errors"
)

var (
	// ErrNotOpen is returned when registering a session that is no longer OPEN.
	ErrNotOpen = errors.New("session is not open")

	// ErrDuplicate is returned when registering a session twice.
	ErrDuplicate = errors.New("session already registered")
)

// Registry owns live sessions from accept until they close.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	observer func(Event)
	logger   *slog.Logger
}

// NewRegistry creates a registry. observer, if not nil, receives every
// transition of every registered session. It is called without locks held
// and must not block.
func NewRegistry(observer func(Event), logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		observer: observer,
		logger:   logger,
	}
}

// Add registers an OPEN session. A session that already left OPEN is never
// admitted.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if s.State() != StateOpen {
		r.mu.Unlock()
		return ErrNotOpen
	}
	if _, ok := r.sessions[s.id]; ok {
		r.mu.Unlock()
		return ErrDuplicate
	}
	s.registry.Store(r)
	r.sessions[s.id] = s
	r.mu.Unlock()

	// The session may have closed before it could see the registry.
	if s.State() == StateClosed {
		r.Remove(s)
		return ErrNotOpen
	}

	r.notify(Event{
		SessionID:  s.id,
		RemoteAddr: s.remoteAddr,
		From:       StateOpen,
		To:         StateOpen,
		At:         time.Now(),
	})
	return nil
}

// Remove drops a session from the registry.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
}

// Get returns a registered session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the registered sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast shuts down every registered session and returns how many
// accepted the request.
func (r *Registry) Broadcast(code int, cause error) int {
	n := 0
	for _, s := range r.Snapshot() {
		if s.Shutdown(code, cause) {
			n++
		}
	}
	return n
}

// DrainAll waits for all sessions to close or forces closure after timeout.
func (r *Registry) DrainAll(timeout time.Duration) error {
	if r.Len() == 0 {
		return nil
	}
	r.logger.Info("Draining sessions", slog.Int("sessions", r.Len()))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.Len() == 0 {
				r.logger.Info("All sessions drained")
				return nil
			}
		case <-deadline.C:
			r.logger.Warn("Drain timeout exceeded, forcing session closure",
				slog.Int("sessions", r.Len()))
			r.ForceCloseAll(gwerrors.ErrShutdownTimeout)
			return gwerrors.ErrShutdownTimeout
		}
	}
}

// ForceCloseAll closes every registered session abruptly.
func (r *Registry) ForceCloseAll(cause error) {
	for _, s := range r.Snapshot() {
		r.logger.Debug("Force closing session", slog.String("session", s.id))
		s.Fail(cause)
	}
}

func (r *Registry) notify(ev Event) {
	if r.observer != nil {
		r.observer(ev)
	}
}
