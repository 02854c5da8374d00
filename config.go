// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsgate holds the process configuration of the gateway.
package wsgate

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/absmach/wsgate/pkg/connector"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the default prefix of every environment variable.
const EnvPrefix = "WSGATE_"

// Config is the process configuration loaded from the environment.
type Config struct {
	// Connector
	ConnectorURI string `env:"CONNECTOR_URI" envDefault:"ws://0.0.0.0:61614"`
	CertFile     string `env:"CERT_FILE"`
	KeyFile      string `env:"KEY_FILE"`
	ClientCAFile string `env:"CLIENT_CA_FILE"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"    envDefault:"10s"`

	// Handshake rate limiting, disabled when capacity is 0
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`
	RateLimitClients  int   `env:"RATE_LIMIT_CLIENTS"  envDefault:"10000"`

	// Broker; an empty address selects the in-memory echo broker
	BrokerAddress       string        `env:"BROKER_ADDRESS"`
	BrokerCodec         string        `env:"BROKER_CODEC"          envDefault:"mqtt"`
	BrokerDialTimeout   time.Duration `env:"BROKER_DIAL_TIMEOUT"   envDefault:"5s"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Derived from the fields above by NewConfig.
	Connector connector.Config
	TLSConfig *tls.Config
}

// NewConfig parses the environment and the connector URI. Connector errors
// unwrap to errors.ErrInvalidConfig.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	cc, err := connector.Parse(c.ConnectorURI, nil)
	if err != nil {
		return Config{}, err
	}
	c.Connector = cc

	if c.CertFile != "" || c.KeyFile != "" {
		c.TLSConfig, err = loadTLS(c.CertFile, c.KeyFile, c.ClientCAFile)
		if err != nil {
			return Config{}, err
		}
	}
	if cc.Secure() && c.TLSConfig == nil {
		return Config{}, gwerrors.Wrap(gwerrors.ErrInvalidConfig, fmt.Sprintf("%s connector requires %sCERT_FILE and %sKEY_FILE", cc.Scheme, opts.Prefix, opts.Prefix))
	}

	return c, nil
}

func loadTLS(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, gwerrors.Wrap(gwerrors.ErrInvalidConfig, "both certificate and key files are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", errors.Join(gwerrors.ErrInvalidConfig, err))
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", errors.Join(gwerrors.ErrInvalidConfig, err))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, gwerrors.Wrap(gwerrors.ErrInvalidConfig, "no certificates in client CA file")
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
