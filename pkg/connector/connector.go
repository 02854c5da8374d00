// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	gwerrors "github.com/absmach/wsgate/pkg/errors"
)

// Recognised connector parameters.
const (
	ParamMaxTextMessageSize = "websocket.maxTextMessageSize"
	ParamOutboundQueueSize  = "websocket.outboundQueueSize"
	ParamMaxIdleTime        = "transport.maxIdleTime"
	ParamCloseGracePeriod   = "transport.closeGracePeriod"
	ParamEnableTrace        = "http.enableTrace"
)

// Defaults applied when a parameter is absent.
const (
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 61614
	DefaultMaxTextMessageSize = 64 * 1024
	DefaultMaxIdleTime        = 30 * time.Second
	DefaultCloseGracePeriod   = time.Second
	DefaultOutboundQueueSize  = 256
)

// TraceMode is the tri-state value of the http.enableTrace parameter.
type TraceMode int

const (
	// TraceUnset means the parameter was absent or empty. TRACE is forbidden.
	TraceUnset TraceMode = iota
	// TraceEnabled means http.enableTrace=true.
	TraceEnabled
	// TraceDisabled means http.enableTrace=false.
	TraceDisabled
)

// Allows reports whether TRACE requests may be served.
func (m TraceMode) Allows() bool {
	return m == TraceEnabled
}

func (m TraceMode) String() string {
	switch m {
	case TraceEnabled:
		return "enabled"
	case TraceDisabled:
		return "disabled"
	default:
		return "unset"
	}
}

// Config is the typed policy of one listening endpoint.
// It is immutable after Parse and safe to share between goroutines.
type Config struct {
	Scheme             string
	BindHost           string
	BindPort           int
	EnableTrace        TraceMode
	MaxTextMessageSize int64
	MaxIdleTime        time.Duration
	CloseGracePeriod   time.Duration
	OutboundQueueSize  int
}

// Address returns the host:port the gateway binds to.
func (c Config) Address() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

// Secure reports whether the connector requires TLS.
func (c Config) Secure() bool {
	return c.Scheme == "wss" || c.Scheme == "https"
}

// ConfigError reports an invalid connector parameter.
type ConfigError struct {
	Param string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("%v: %q", e.Err, e.Value)
	}
	return fmt.Sprintf("%v: %s=%q", e.Err, e.Param, e.Value)
}

// Unwrap returns gwerrors.ErrInvalidConfig so callers can classify the error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

func invalid(param, value, reason string) error {
	return &ConfigError{
		Param: param,
		Value: value,
		Err:   fmt.Errorf("%w: %s", gwerrors.ErrInvalidConfig, reason),
	}
}

// Parse parses a connector URI such as
// ws://127.0.0.1:61623?websocket.maxTextMessageSize=99999&transport.maxIdleTime=1001
// into a Config. Parameters in params override those in the URI query.
// Unknown parameters are ignored.
func Parse(uri string, params url.Values) (Config, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Config{}, &ConfigError{Value: uri, Err: fmt.Errorf("%w: %s", gwerrors.ErrInvalidConfig, err)}
	}

	cfg := Config{
		Scheme:             u.Scheme,
		BindHost:           u.Hostname(),
		BindPort:           DefaultPort,
		EnableTrace:        TraceUnset,
		MaxTextMessageSize: DefaultMaxTextMessageSize,
		MaxIdleTime:        DefaultMaxIdleTime,
		CloseGracePeriod:   DefaultCloseGracePeriod,
		OutboundQueueSize:  DefaultOutboundQueueSize,
	}

	switch cfg.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return Config{}, invalid("scheme", u.Scheme, "unsupported scheme")
	}
	if cfg.BindHost == "" {
		cfg.BindHost = DefaultHost
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return Config{}, invalid("port", p, "port must be between 0 and 65535")
		}
		cfg.BindPort = port
	}

	query := u.Query()
	for k, v := range params {
		query[k] = v
	}

	if v, ok := lookup(query, ParamMaxTextMessageSize); ok {
		n, err := positive(ParamMaxTextMessageSize, v)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxTextMessageSize = n
	}
	if v, ok := lookup(query, ParamMaxIdleTime); ok {
		n, err := positive(ParamMaxIdleTime, v)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxIdleTime = time.Duration(n) * time.Millisecond
	}
	if v, ok := lookup(query, ParamCloseGracePeriod); ok {
		n, err := positive(ParamCloseGracePeriod, v)
		if err != nil {
			return Config{}, err
		}
		cfg.CloseGracePeriod = time.Duration(n) * time.Millisecond
	}
	if v, ok := lookup(query, ParamOutboundQueueSize); ok {
		n, err := positive(ParamOutboundQueueSize, v)
		if err != nil {
			return Config{}, err
		}
		cfg.OutboundQueueSize = int(n)
	}

	mode, err := parseTrace(query)
	if err != nil {
		return Config{}, err
	}
	cfg.EnableTrace = mode

	return cfg, nil
}

func parseTrace(query url.Values) (TraceMode, error) {
	if !query.Has(ParamEnableTrace) {
		return TraceUnset, nil
	}
	switch v := query.Get(ParamEnableTrace); v {
	case "":
		return TraceUnset, nil
	case "true":
		return TraceEnabled, nil
	case "false":
		return TraceDisabled, nil
	default:
		return TraceUnset, invalid(ParamEnableTrace, v, `expected "true" or "false"`)
	}
}

// lookup returns the last value of key. Repeated parameters follow URI order,
// so the last occurrence wins.
func lookup(q url.Values, key string) (string, bool) {
	vs, ok := q[key]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[len(vs)-1], true
}

func positive(param, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, invalid(param, v, "expected a positive integer")
	}
	return n, nil
}
