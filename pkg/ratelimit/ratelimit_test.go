// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_Burst(t *testing.T) {
	l := NewLimiter(2, 0, 0)
	defer l.Close()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// Buckets are per client.
	assert.True(t, l.Allow("b"))
}

func TestLimiter_AllowAddr(t *testing.T) {
	l := NewLimiter(1, 0, 0)
	defer l.Close()

	assert.True(t, l.AllowAddr("127.0.0.1:5000"))
	assert.False(t, l.AllowAddr("127.0.0.1:5001"))
	assert.Equal(t, 1, l.Stats())
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(5, 5, 1)
	defer l.Close()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))

	l.Remove("a")
	assert.True(t, l.Allow("b"))
}

func TestLimiter_Evict(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Close()

	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(time.Minute)
	l.Allow("b")

	now = now.Add(defaultIdleTTL - 30*time.Second)
	assert.Equal(t, 1, l.evict())
	assert.Equal(t, 1, l.Stats())
}

func TestLimiter_CloseIdempotent(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	assert.NotPanics(t, func() {
		l.Close()
		l.Close()
	})
}
