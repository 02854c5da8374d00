// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/wsgate/pkg/broker"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/absmach/wsgate/pkg/frame"
	"github.com/absmach/wsgate/pkg/metrics"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
)

// BridgeConfig holds the settings shared by all bridges of a gateway.
type BridgeConfig struct {
	// Limiter bounds inbound logical messages.
	Limiter *frame.Limiter
	// QueueSize bounds the outbound queue of a session (default: 256).
	QueueSize int
	// WriteTimeout bounds each outbound write (default: 10s).
	WriteTimeout time.Duration
	// Broker receives inbound and produces outbound messages.
	Broker broker.Transport
	// Metrics (optional).
	Metrics *metrics.Metrics
	// Logger (default: slog.Default()).
	Logger *slog.Logger
}

// Bridge moves messages between an upgraded session and the broker.
type Bridge struct {
	config BridgeConfig
	sess   *Session
	ws     *websocket.Conn
	bctx   *broker.Context
	// opcode of the last inbound data message, used for outbound frames.
	opcode atomic.Int32
}

// NewBridge creates a bridge for an ACTIVE WebSocket session.
func NewBridge(s *Session, ws *websocket.Conn, bctx *broker.Context, cfg BridgeConfig) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Bridge{config: cfg, sess: s, ws: ws, bctx: bctx}
	b.opcode.Store(websocket.BinaryMessage)
	return b
}

// Run opens the broker session and bridges until the WebSocket closes. The
// session is CLOSED when Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.sess.Finish()
	b.ws.SetCloseHandler(b.onPeerClose)

	if err := b.config.Broker.Open(ctx, b.bctx); err != nil {
		b.config.Logger.Warn("Broker rejected session",
			slog.String("session", b.sess.ID()),
			slog.String("error", err.Error()))
		b.sess.Shutdown(websocket.CloseInternalServerErr, err)
		// Keep reading until the peer answers the close frame.
		_ = b.read(ctx)
		return gwerrors.New("broker open", b.sess.ID(), b.sess.RemoteAddr(), err)
	}
	defer func() {
		if err := b.config.Broker.Close(context.Background(), b.sess.ID()); err != nil && !errors.Is(err, broker.ErrUnknownSession) {
			b.config.Logger.Warn("Failed to close broker session",
				slog.String("session", b.sess.ID()),
				slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan []byte, b.config.QueueSize)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return b.read(ctx)
	})
	g.Go(func() error {
		return b.pump(ctx, queue)
	})
	g.Go(func() error {
		return b.write(ctx, queue)
	})
	return g.Wait()
}

func (b *Bridge) read(ctx context.Context) error {
	for {
		typ, r, err := b.ws.NextReader()
		if err != nil {
			return b.readFailed(err)
		}

		msg, err := b.config.Limiter.ReadMessage(r)
		if err != nil {
			if errors.Is(err, gwerrors.ErrMessageTooBig) {
				b.config.Logger.Info("Inbound message too big",
					slog.String("session", b.sess.ID()),
					slog.Int64("max", b.config.Limiter.Max()))
				b.sess.Shutdown(websocket.CloseMessageTooBig, err)
				continue
			}
			return b.readFailed(err)
		}

		// Messages arriving after the close started are never delivered.
		if b.sess.State() != StateActive {
			continue
		}
		b.opcode.Store(int32(typ))
		b.config.Metrics.ObserveMessage("inbound", len(msg))

		if err := b.config.Broker.OnInboundMessage(ctx, b.sess.ID(), msg); err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.config.Logger.Warn("Broker failed to accept message",
				slog.String("session", b.sess.ID()),
				slog.String("error", err.Error()))
			b.sess.Shutdown(websocket.CloseInternalServerErr, err)
		}
	}
}

func (b *Bridge) readFailed(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	switch b.sess.State() {
	case StateClosing, StateClosed:
		return nil
	}
	b.sess.Fail(err)
	return gwerrors.New("read", b.sess.ID(), b.sess.RemoteAddr(), err)
}

func (b *Bridge) onPeerClose(code int, text string) error {
	if !b.sess.PeerClosing() {
		// Reply to our own close frame; the handshake is complete.
		return nil
	}
	msg := websocket.FormatCloseMessage(code, "")
	if code == websocket.CloseNoStatusReceived {
		msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	err := b.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(b.config.WriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (b *Bridge) pump(ctx context.Context, queue chan<- []byte) error {
	for {
		msg, err := b.config.Broker.NextOutboundMessage(ctx, b.sess.ID())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// The writer closes the session once queued messages are sent.
				close(queue)
				return nil
			}
			b.config.Logger.Warn("Broker failed to produce message",
				slog.String("session", b.sess.ID()),
				slog.String("error", err.Error()))
			b.sess.Shutdown(websocket.CloseInternalServerErr, err)
			return nil
		}

		select {
		case queue <- msg:
		default:
			b.config.Logger.Warn("Outbound queue full",
				slog.String("session", b.sess.ID()),
				slog.Int("queue_size", b.config.QueueSize))
			b.sess.Shutdown(websocket.ClosePolicyViolation, gwerrors.ErrSlowConsumer)
			return nil
		}
	}
}

// write is the only goroutine writing data frames, so outbound messages keep
// the order the broker produced them in.
func (b *Bridge) write(ctx context.Context, queue <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-queue:
			if !ok {
				b.sess.Shutdown(websocket.CloseGoingAway, gwerrors.ErrBrokerClosed)
				return nil
			}
			if b.sess.State() != StateActive {
				continue
			}
			b.ws.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
			if err := b.ws.WriteMessage(int(b.opcode.Load()), msg); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) || b.sess.State() != StateActive {
					continue
				}
				b.sess.Fail(err)
				return gwerrors.New("write", b.sess.ID(), b.sess.RemoteAddr(), err)
			}
			b.config.Metrics.ObserveMessage("outbound", len(msg))
		}
	}
}
