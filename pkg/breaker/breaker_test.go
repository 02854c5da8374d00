// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial failed")

func TestCircuitBreaker_Opens(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		err := cb.Call(func() error { return errDial })
		require.ErrorIs(t, err, errDial)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Hour})

	_ = cb.Call(func() error { return errDial })
	require.NoError(t, cb.Call(func() error { return nil }))
	_ = cb.Call(func() error { return errDial })

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	cb := New(Config{
		Name:             "upstream",
		MaxFailures:      1,
		ResetTimeout:     20 * time.Millisecond,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "upstream", name)
			transitions = append(transitions, to)
		},
	})

	_ = cb.Call(func() error { return errDial })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
