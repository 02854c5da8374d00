// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/wsgate"
	"github.com/absmach/wsgate/examples/simple"
	"github.com/absmach/wsgate/pkg/breaker"
	"github.com/absmach/wsgate/pkg/broker"
	gwerrors "github.com/absmach/wsgate/pkg/errors"
	"github.com/absmach/wsgate/pkg/gateway"
	"github.com/absmach/wsgate/pkg/health"
	"github.com/absmach/wsgate/pkg/metrics"
	"github.com/absmach/wsgate/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := wsgate.NewConfig(env.Options{Prefix: wsgate.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("wsgate terminated with error",
			slog.String("kind", gwerrors.KindOf(err).String()),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("wsgate stopped")
}

func run(cfg wsgate.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("wsgate", prometheus.DefaultRegisterer)
	checker := health.NewChecker(5 * time.Second)

	b, err := newBroker(cfg, m, checker, logger)
	if err != nil {
		return err
	}

	gwCfg := gateway.Config{
		Connector:       cfg.Connector,
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		Metrics:         m,
		Health:          checker,
		Logger:          logger,
	}
	if cfg.RateLimitCapacity > 0 {
		limiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitClients)
		defer limiter.Close()
		gwCfg.RateLimiter = limiter
	}

	gw, err := gateway.New(gwCfg, b)
	if err != nil {
		return err
	}

	if cfg.MetricsPort > 0 {
		srv := newMetricsServer(cfg.MetricsPort, checker)
		g.Go(func() error {
			logger.Info("Starting metrics server", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error {
		return gw.Listen(ctx)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	return g.Wait()
}

// newBroker selects the upstream MQTT broker when an address is configured
// and the in-memory echo broker otherwise.
func newBroker(cfg wsgate.Config, m *metrics.Metrics, checker *health.Checker, logger *slog.Logger) (broker.Transport, error) {
	framer, err := broker.NewFramer(cfg.BrokerCodec)
	if err != nil {
		return nil, errors.Join(gwerrors.ErrInvalidConfig, err)
	}

	if cfg.BrokerAddress == "" {
		logger.Info("No broker address configured, echoing messages")
		return simple.New(broker.NewMemory(true), framer, logger), nil
	}

	cb := breaker.New(breaker.Config{
		Name:         cfg.BrokerAddress,
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("Circuit breaker state changed",
				slog.String("backend", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.ObserveBreaker(name, int(to), to == breaker.StateOpen)
		},
	})

	up := broker.NewUpstream(broker.UpstreamConfig{
		Address:     cfg.BrokerAddress,
		DialTimeout: cfg.BrokerDialTimeout,
		Framer:      framer,
		Breaker:     cb,
		Metrics:     m,
		Logger:      logger,
	})
	checker.Register("broker", up.Ping)

	logger.Info("Forwarding sessions to broker",
		slog.String("address", cfg.BrokerAddress),
		slog.String("codec", framer.Codec()))
	return up, nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newMetricsServer(port int, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
