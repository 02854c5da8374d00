// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
//
// All helper methods are safe to call on a nil *Metrics, so components can be
// used without instrumentation in tests.
package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	Sessions           *prometheus.GaugeVec
	SessionTransitions *prometheus.CounterVec
	CloseFrames        *prometheus.CounterVec

	// Negotiation metrics
	Negotiations    *prometheus.CounterVec
	PolicyDecisions *prometheus.CounterVec
	RateLimited     prometheus.Counter

	// Message metrics
	Messages    *prometheus.CounterVec
	MessageSize *prometheus.HistogramVec

	// Faults by error kind
	Faults *prometheus.CounterVec

	// Broker metrics
	BrokerPackets       *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wsgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Sessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Number of sessions by state",
			},
			[]string{"state"},
		),
		SessionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
		CloseFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "close_frames_total",
				Help:      "Total number of WebSocket close frames sent by the gateway",
			},
			[]string{"code"},
		),
		Negotiations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "negotiations_total",
				Help:      "Total number of negotiated requests by outcome",
			},
			[]string{"outcome", "status"},
		),
		PolicyDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of method policy decisions",
			},
			[]string{"method", "decision"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_handshakes_total",
				Help:      "Total number of handshakes rejected by the rate limiter",
			},
		),
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of WebSocket messages bridged",
			},
			[]string{"direction"},
		),
		MessageSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Size of bridged WebSocket messages in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			},
			[]string{"direction"},
		),
		Faults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Total number of connection faults by kind",
			},
			[]string{"kind"},
		),
		BrokerPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_packets_total",
				Help:      "Total number of broker packets framed",
			},
			[]string{"codec", "packet_type", "direction"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
	}
}

// ObserveTransition tracks a session moving between states.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.Sessions.WithLabelValues(from).Dec()
	}
	if to != "closed" {
		m.Sessions.WithLabelValues(to).Inc()
	}
}

// ObserveOpen tracks a newly accepted session.
func (m *Metrics) ObserveOpen() {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues("open").Inc()
}

// ObserveNegotiation tracks the outcome of a request.
func (m *Metrics) ObserveNegotiation(method, outcome string, status int, allowed bool) {
	if m == nil {
		return
	}
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.PolicyDecisions.WithLabelValues(strings.ToUpper(method), decision).Inc()
	m.Negotiations.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
}

// ObserveRateLimited tracks a handshake rejected by the rate limiter.
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ObserveMessage tracks a bridged message.
func (m *Metrics) ObserveMessage(direction string, size int) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction).Inc()
	m.MessageSize.WithLabelValues(direction).Observe(float64(size))
}

// ObserveClose tracks a close frame sent to a peer.
func (m *Metrics) ObserveClose(code int) {
	if m == nil {
		return
	}
	m.CloseFrames.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveFault tracks a connection fault.
func (m *Metrics) ObserveFault(kind string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(kind).Inc()
}

// ObservePacket tracks a broker packet.
func (m *Metrics) ObservePacket(codec, packetType, direction string) {
	if m == nil {
		return
	}
	m.BrokerPackets.WithLabelValues(codec, packetType, direction).Inc()
}

// ObserveBreaker tracks a circuit breaker state change.
func (m *Metrics) ObserveBreaker(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}
