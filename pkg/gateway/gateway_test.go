// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/wsgate/pkg/broker"
	"github.com/absmach/wsgate/pkg/connector"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/absmach/wsgate/pkg/health"
	"github.com/absmach/wsgate/pkg/metrics"
	"github.com/absmach/wsgate/pkg/ratelimit"
	"github.com/absmach/wsgate/pkg/session"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURI = "ws://127.0.0.1:0?websocket.maxTextMessageSize=99999&transport.maxIdleTime=1001"

type testGateway struct {
	gw     *Gateway
	broker *broker.Memory
	addr   string
	cancel context.CancelFunc
	errCh  chan error

	stopOnce sync.Once
	stopErr  error
}

func startGateway(t *testing.T, uri string, mutate func(*Config)) *testGateway {
	t.Helper()
	cc, err := connector.Parse(uri, nil)
	require.NoError(t, err)

	b := broker.NewMemory(true)
	cfg := Config{Connector: cc, ShutdownTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := New(cfg, b)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tg := &testGateway{
		gw:     gw,
		broker: b,
		addr:   ln.Addr().String(),
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	go func() {
		tg.errCh <- gw.Serve(ctx, ln)
	}()
	t.Cleanup(func() { tg.stop(t) })
	return tg
}

func (tg *testGateway) stop(t *testing.T) error {
	t.Helper()
	tg.stopOnce.Do(func() {
		tg.cancel()
		select {
		case tg.stopErr = <-tg.errCh:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})
	return tg.stopErr
}

func (tg *testGateway) url(scheme string) string {
	return scheme + "://" + tg.addr + "/"
}

func (tg *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(tg.url("ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func readClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func echo(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func TestGateway_TraceMethod(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		status int
	}{
		{"absent", "", http.StatusForbidden},
		{"empty", "&http.enableTrace=", http.StatusForbidden},
		{"enabled", "&http.enableTrace=true", http.StatusOK},
		{"disabled", "&http.enableTrace=false", http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tg := startGateway(t, baseURI+tc.query, nil)

			req, err := http.NewRequest(http.MethodTrace, tg.url("http"), nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Basic c2VjcmV0")
			req.Header.Set("X-Trace-Marker", "trace-marker")

			resp, body := do(t, req)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.True(t, resp.Close, "connection must close after the response")

			if tc.status == http.StatusOK {
				assert.Equal(t, "message/http", resp.Header.Get("Content-Type"))
				assert.Contains(t, string(body), "TRACE / HTTP/1.1")
				assert.Contains(t, string(body), "trace-marker")
				assert.NotContains(t, string(body), "c2VjcmV0")
			}

			require.Eventually(t, func() bool { return tg.gw.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestGateway_PlainHTTP(t *testing.T) {
	tg := startGateway(t, baseURI, nil)

	req, _ := http.NewRequest(http.MethodGet, tg.url("http"), nil)
	resp, body := do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var report health.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, health.StatusHealthy, report.Status)

	req, _ = http.NewRequest(http.MethodHead, tg.url("http"), nil)
	resp, body = do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	req, _ = http.NewRequest(http.MethodOptions, tg.url("http"), nil)
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "GET, HEAD, OPTIONS", resp.Header.Get("Allow"))

	req, _ = http.NewRequest(http.MethodPost, tg.url("http"), strings.NewReader("x"))
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD, OPTIONS", resp.Header.Get("Allow"))
}

func TestGateway_MalformedUpgrade(t *testing.T) {
	tg := startGateway(t, baseURI, nil)

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{
			name: "missing key",
			headers: map[string]string{
				"Upgrade":               "websocket",
				"Connection":            "Upgrade",
				"Sec-WebSocket-Version": "13",
			},
		},
		{
			name: "invalid key without upgrade header",
			headers: map[string]string{
				"Connection":            "Upgrade",
				"Sec-WebSocket-Key":     "not-base64!!",
				"Sec-WebSocket-Version": "13",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, tg.url("http"), nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}

			resp, _ := do(t, req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.True(t, resp.Close)
		})
	}
}

func TestGateway_WebSocketEcho(t *testing.T) {
	tg := startGateway(t, baseURI, nil)

	c := tg.dial(t)
	echo(t, c, "hello")
	echo(t, c, "world")
	assert.Equal(t, 1, tg.gw.Sessions())

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, websocket.CloseNormalClosure, readClose(t, c).Code)
	require.Eventually(t, func() bool { return tg.gw.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, tg.broker.Sessions())
}

func TestGateway_MessageSizeLimit(t *testing.T) {
	tg := startGateway(t, "ws://127.0.0.1:0?websocket.maxTextMessageSize=16", nil)

	c := tg.dial(t)
	exact := strings.Repeat("a", 16)
	echo(t, c, exact)
	ids := tg.broker.Sessions()
	require.Len(t, ids, 1)

	other := tg.dial(t)
	echo(t, other, "other")

	// Fragmented messages are limited as a whole.
	w, err := c.NextWriter(websocket.TextMessage)
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 10)))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 7)))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, websocket.CloseMessageTooBig, readClose(t, c).Code)

	require.Eventually(t, func() bool { return tg.gw.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte(exact)}, tg.broker.Received(ids[0]))

	// The other session is unaffected.
	echo(t, other, "still open")
	assert.Equal(t, 1, tg.gw.Sessions())
}

func TestGateway_IdleTimeout(t *testing.T) {
	tg := startGateway(t, "ws://127.0.0.1:0?transport.maxIdleTime=200", nil)

	idle := tg.dial(t)
	busy := tg.dial(t)

	closed := make(chan *websocket.CloseError, 1)
	go func() {
		idle.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			_, _, err := idle.ReadMessage()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				closed <- ce
				return
			}
			if err != nil {
				close(closed)
				return
			}
		}
	}()

	// Traffic below the idle limit keeps a session alive.
	for i := 0; i < 12; i++ {
		echo(t, busy, "tick")
		time.Sleep(50 * time.Millisecond)
	}

	ce, ok := <-closed
	require.True(t, ok, "idle session was not closed with a close frame")
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, gwerrors.ErrIdleTimeout.Error(), ce.Text)

	echo(t, busy, "still alive")
}

func TestGateway_IdleBeforeNegotiation(t *testing.T) {
	tg := startGateway(t, "ws://127.0.0.1:0?transport.maxIdleTime=200", nil)

	conn, err := net.Dial("tcp", tg.addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return tg.gw.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return tg.gw.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestGateway_Shutdown(t *testing.T) {
	tg := startGateway(t, baseURI, nil)

	c := tg.dial(t)
	echo(t, c, "before")

	stopped := make(chan error, 1)
	go func() { stopped <- tg.stop(t) }()

	ce := readClose(t, c)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, gwerrors.ErrShuttingDown.Error(), ce.Text)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	_, err := net.DialTimeout("tcp", tg.addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestGateway_ShutdownTimeout(t *testing.T) {
	tg := startGateway(t, baseURI+"&transport.closeGracePeriod=10000", func(cfg *Config) {
		cfg.ShutdownTimeout = 100 * time.Millisecond
	})

	// The client never reads, so it never answers the close frame.
	c := tg.dial(t)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("x")))
	require.Eventually(t, func() bool { return len(tg.broker.Sessions()) == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, tg.stop(t), gwerrors.ErrShutdownTimeout)
	assert.Equal(t, 0, tg.gw.Sessions())
}

func TestGateway_RateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(1, 0, 0)
	t.Cleanup(limiter.Close)

	tg := startGateway(t, baseURI, func(cfg *Config) {
		cfg.RateLimiter = limiter
	})

	tg.dial(t)
	_, resp, err := websocket.DefaultDialer.Dial(tg.url("ws"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGateway_EventsAndMetrics(t *testing.T) {
	events := make(chan session.Event, 64)
	m := metrics.New("test", prometheus.NewRegistry())

	tg := startGateway(t, baseURI, func(cfg *Config) {
		cfg.Events = events
		cfg.Metrics = m
	})

	req, _ := http.NewRequest(http.MethodTrace, tg.url("http"), nil)
	resp, _ := do(t, req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var got [][2]session.State
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, [2]session.State{ev.From, ev.To})
		case <-timeout:
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.Equal(t, [][2]session.State{
		{session.StateOpen, session.StateOpen},
		{session.StateOpen, session.StateClosed},
	}, got)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyDecisions.WithLabelValues("TRACE", "deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Faults.WithLabelValues("policy")))
}

func TestGateway_ServeHTTPStandalone(t *testing.T) {
	cc, err := connector.Parse(baseURI, nil)
	require.NoError(t, err)
	gw, err := New(Config{Connector: cc}, broker.NewMemory(true))
	require.NoError(t, err)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close()

	echo(t, c, "standalone")
	assert.Equal(t, 1, gw.Sessions())
}

func TestNew_Validation(t *testing.T) {
	cc, err := connector.Parse("wss://127.0.0.1:0", nil)
	require.NoError(t, err)

	_, err = New(Config{Connector: cc}, broker.NewMemory(false))
	assert.ErrorIs(t, err, gwerrors.ErrInvalidConfig)

	_, err = New(Config{Connector: cc}, nil)
	assert.Error(t, err)
}

func TestNew_ConnectorDefaults(t *testing.T) {
	gw, err := New(Config{Connector: connector.Config{Scheme: "ws"}}, broker.NewMemory(true))
	require.NoError(t, err)

	cc := gw.config.Connector
	assert.EqualValues(t, connector.DefaultMaxTextMessageSize, cc.MaxTextMessageSize)
	assert.Equal(t, connector.DefaultMaxIdleTime, cc.MaxIdleTime)
	assert.Equal(t, connector.DefaultCloseGracePeriod, cc.CloseGracePeriod)
	assert.Equal(t, connector.DefaultOutboundQueueSize, cc.OutboundQueueSize)
	assert.Equal(t, time.Second, gw.monitor.Interval())

	srv := httptest.NewServer(gw)
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close()

	echo(t, c, "x")
	echo(t, c, strings.Repeat("y", 1024))
}
