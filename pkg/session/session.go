// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxCloseReason is the longest close reason that fits a control frame.
const maxCloseReason = 123

// State is the lifecycle state of a session.
type State int32

const (
	// StateOpen is an accepted socket that has not been negotiated yet.
	StateOpen State = iota
	// StateActive is a served HTTP exchange or an upgraded WebSocket.
	StateActive
	// StateClosing is a session whose close handshake is in progress.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event records one lifecycle transition. Registration emits an event with
// From and To both StateOpen.
type Event struct {
	SessionID  string
	RemoteAddr string
	From       State
	To         State
	// Code is the close code sent to the peer, or 0.
	Code  int
	Cause error
	At    time.Time
}

// Session tracks one accepted connection from accept to close.
type Session struct {
	id           string
	remoteAddr   string
	conn         net.Conn
	grace        time.Duration
	state        atomic.Int32
	lastActivity atomic.Int64

	// mu protects ws, timer and cause.
	mu    sync.Mutex
	ws    *websocket.Conn
	timer *time.Timer
	cause error

	done        chan struct{}
	releaseOnce sync.Once
	registry    atomic.Pointer[Registry]
}

// New creates a session in StateOpen for an accepted connection. grace bounds
// how long a WebSocket close handshake may take before the socket is forced shut.
func New(conn net.Conn, grace time.Duration) *Session {
	s := &Session{
		id:    uuid.New().String(),
		conn:  conn,
		grace: grace,
		done:  make(chan struct{}),
	}
	if conn != nil && conn.RemoteAddr() != nil {
		s.remoteAddr = conn.RemoteAddr().String()
	}
	s.Touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Touch records activity on the connection.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor returns how long the session has been idle at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsWebSocket reports whether the session was upgraded.
func (s *Session) IsWebSocket() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws != nil
}

// Cause returns the error that ended the session, if any.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Activate moves an OPEN session to ACTIVE once negotiation succeeded. ws is
// the upgraded connection, or nil for a served HTTP exchange. It returns false
// if the session was closed in the meantime.
func (s *Session) Activate(ws *websocket.Conn) bool {
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	if s.transition(StateOpen, StateActive, 0, nil) {
		return true
	}

	s.mu.Lock()
	s.ws = nil
	s.mu.Unlock()
	return false
}

// Shutdown ends the session on the gateway's initiative.
//
// An OPEN session is closed at once. An ACTIVE WebSocket gets a close frame
// with code and the cause as reason, and is forced shut if the peer does not
// complete the handshake within the grace period. An ACTIVE HTTP exchange is
// closed at once. Shutdown on a CLOSING or CLOSED session does nothing and
// returns false.
func (s *Session) Shutdown(code int, cause error) bool {
	for {
		switch s.State() {
		case StateOpen:
			if s.transition(StateOpen, StateClosed, 0, cause) {
				s.release()
				return true
			}
		case StateActive:
			s.mu.Lock()
			ws := s.ws
			s.mu.Unlock()

			sent := 0
			if ws != nil {
				sent = code
			}
			if !s.transition(StateActive, StateClosing, sent, cause) {
				continue
			}
			if ws == nil {
				s.finish(false)
				return true
			}
			s.sendClose(ws, code, cause)
			s.armGrace()
			return true
		default:
			return false
		}
	}
}

// PeerClosing records a close frame received from the peer. It returns true
// if the peer initiated the close, in which case the caller must reply.
func (s *Session) PeerClosing() bool {
	if !s.transition(StateActive, StateClosing, 0, nil) {
		return false
	}
	s.armGrace()
	return true
}

// Finish completes the session normally and releases its socket.
func (s *Session) Finish() {
	s.finish(false)
}

// Fail closes the session abruptly after a transport failure.
func (s *Session) Fail(err error) {
	s.setCause(err)
	s.finish(true)
}

func (s *Session) finish(abrupt bool) {
	for {
		switch st := s.State(); st {
		case StateOpen, StateClosing:
			if s.transition(st, StateClosed, 0, s.Cause()) {
				s.release()
				return
			}
		case StateActive:
			if abrupt {
				if s.transition(StateActive, StateClosed, 0, s.Cause()) {
					s.release()
					return
				}
				continue
			}
			s.transition(StateActive, StateClosing, 0, nil)
		default:
			return
		}
	}
}

func (s *Session) transition(from, to State, code int, cause error) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cause != nil {
		s.setCause(cause)
	}
	if r := s.registry.Load(); r != nil {
		r.notify(Event{
			SessionID:  s.id,
			RemoteAddr: s.remoteAddr,
			From:       from,
			To:         to,
			Code:       code,
			Cause:      cause,
			At:         time.Now(),
		})
	}
	return true
}

func (s *Session) setCause(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		s.cause = err
	}
}

func (s *Session) sendClose(ws *websocket.Conn, code int, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	// Errors surface on the reader, which then finishes the session.
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.grace))
}

func (s *Session) armGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		s.timer = time.AfterFunc(s.grace, s.Finish)
	}
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		ws := s.ws
		s.mu.Unlock()

		if ws != nil {
			ws.Close()
		} else if s.conn != nil {
			s.conn.Close()
		}
		close(s.done)

		if r := s.registry.Load(); r != nil {
			r.Remove(s)
		}
	})
}
