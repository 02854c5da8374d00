// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame enforces the maximum size of logical WebSocket messages.
//
// The limit applies to the reassembled message, so a message split into many
// small fragments is measured by its total length. A message exactly at the
// limit is accepted; one byte more is rejected and nothing is returned.
package frame

import (
	"bytes"
	"errors"
	"io"

	gwerrors "github.com/absmach/wsgate/pkg/errors"
)

// chunkSize bounds a single read from the message reader.
const chunkSize = 4096

// Limiter holds the maximum logical message size.
type Limiter struct {
	max int64
}

// NewLimiter creates a Limiter for messages of at most max bytes.
func NewLimiter(max int64) *Limiter {
	return &Limiter{max: max}
}

// Max returns the configured maximum.
func (l *Limiter) Max() int64 {
	return l.max
}

// NewAssembler returns an empty Assembler bound to this limit.
func (l *Limiter) NewAssembler() *Assembler {
	return &Assembler{max: l.max}
}

// ReadMessage reads one logical message from r. It never buffers more than
// max+1 bytes: as soon as the limit is crossed the partial data is dropped
// and ErrMessageTooBig is returned without draining r.
func (l *Limiter) ReadMessage(r io.Reader) ([]byte, error) {
	a := l.NewAssembler()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if aerr := a.Append(buf[:n]); aerr != nil {
				return nil, aerr
			}
		}
		if errors.Is(err, io.EOF) {
			return a.Complete(), nil
		}
		if err != nil {
			a.Reset()
			return nil, err
		}
	}
}

// Assembler accumulates the fragments of one logical message.
// It is owned by a single reader and is not safe for concurrent use.
type Assembler struct {
	max  int64
	size int64
	buf  bytes.Buffer
}

// Append adds a fragment. When the accumulated size exceeds the maximum the
// buffered data is discarded and ErrMessageTooBig is returned.
func (a *Assembler) Append(fragment []byte) error {
	a.size += int64(len(fragment))
	if a.size > a.max {
		a.Reset()
		return gwerrors.ErrMessageTooBig
	}
	a.buf.Write(fragment)
	return nil
}

// Size returns the number of bytes accumulated so far.
func (a *Assembler) Size() int64 {
	return a.size
}

// Complete returns the assembled message and resets the Assembler.
func (a *Assembler) Complete() []byte {
	msg := make([]byte, a.buf.Len())
	copy(msg, a.buf.Bytes())
	a.Reset()
	return msg
}

// Reset drops any buffered data.
func (a *Assembler) Reset() {
	a.size = 0
	a.buf.Reset()
}
