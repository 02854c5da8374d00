// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"io"
	"sort"
	"sync"
)

const memoryQueueSize = 64

type memSession struct {
	ctx       Context
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *memSession) disconnect() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Memory is an in-process Transport.
type Memory struct {
	echo bool

	mu       sync.Mutex
	sessions map[string]*memSession
	received map[string][][]byte
}

var _ Transport = (*Memory)(nil)

// NewMemory creates an in-process broker. With echo set, every inbound
// message is published back to its session.
func NewMemory(echo bool) *Memory {
	return &Memory{
		echo:     echo,
		sessions: make(map[string]*memSession),
		received: make(map[string][][]byte),
	}
}

func (m *Memory) Open(ctx context.Context, c *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[c.SessionID]; ok {
		return ErrSessionExists
	}
	m.sessions[c.SessionID] = &memSession{
		ctx:    *c,
		out:    make(chan []byte, memoryQueueSize),
		closed: make(chan struct{}),
	}
	return nil
}

func (m *Memory) OnInboundMessage(ctx context.Context, sessionID string, msg []byte) error {
	cp := append([]byte(nil), msg...)

	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	m.received[sessionID] = append(m.received[sessionID], cp)
	m.mu.Unlock()

	if m.echo {
		return m.Publish(ctx, sessionID, cp)
	}
	return nil
}

func (m *Memory) NextOutboundMessage(ctx context.Context, sessionID string) ([]byte, error) {
	s := m.session(sessionID)
	if s == nil {
		return nil, io.EOF
	}

	select {
	case msg := <-s.out:
		return msg, nil
	case <-s.closed:
		// Deliver what was published before the disconnect.
		select {
		case msg := <-s.out:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}
	s.disconnect()
	return nil
}

// Publish queues msg for delivery to a session. It blocks while the session
// queue is full.
func (m *Memory) Publish(ctx context.Context, sessionID string, msg []byte) error {
	s := m.session(sessionID)
	if s == nil {
		return ErrUnknownSession
	}

	select {
	case s.out <- msg:
		return nil
	case <-s.closed:
		return ErrUnknownSession
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes a session from the broker side. The gateway sees io.EOF
// once queued messages are delivered.
func (m *Memory) Disconnect(sessionID string) error {
	s := m.session(sessionID)
	if s == nil {
		return ErrUnknownSession
	}
	s.disconnect()
	return nil
}

// Received returns the messages a session delivered, including closed sessions.
func (m *Memory) Received(sessionID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.received[sessionID]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// Sessions returns the IDs of open sessions in sorted order.
func (m *Memory) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionContext returns the context a session was opened with.
func (m *Memory) SessionContext(sessionID string) (Context, bool) {
	s := m.session(sessionID)
	if s == nil {
		return Context{}, false
	}
	return s.ctx, true
}

func (m *Memory) session(id string) *memSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}
