// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health checks for the gateway and its broker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report is the body served by health endpoints.
type Report struct {
	Status Status         `json:"status"`
	Checks []Check        `json:"checks"`
	Info   map[string]any `json:"info,omitempty"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// InfoFunc reports a value included in every report.
type InfoFunc func() any

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registered
	info   map[string]InfoFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker. Check results are cached for cacheTTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]registered),
		info:   make(map[string]InfoFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a check whose failure degrades the gateway.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, false)
}

// RegisterCritical adds a check whose failure makes the gateway unhealthy.
func (c *Checker) RegisterCritical(name string, check CheckFunc) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: check, critical: critical}
	delete(c.cache, name)
}

// RegisterInfo adds a value reported alongside the checks.
func (c *Checker) RegisterInfo(name string, fn InfoFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[name] = fn
}

// Health returns the overall health status.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	r := c.Report(ctx)
	return r.Status, r.Checks
}

// Report runs all checks, honouring the cache, and collects info values.
// Checks run without holding the checker lock.
func (c *Checker) Report(ctx context.Context) Report {
	type entry struct {
		name  string
		reg   registered
		check *Check
	}

	c.mu.Lock()
	entries := make([]entry, 0, len(c.checks))
	for name, reg := range c.checks {
		e := entry{name: name, reg: reg}
		if check, ok := c.cache[name]; ok && time.Since(check.LastChecked) < c.ttl {
			e.check = check
		}
		entries = append(entries, e)
	}
	info := make(map[string]InfoFunc, len(c.info))
	for name, fn := range c.info {
		info[name] = fn
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var fresh []*Check
	for i := range entries {
		if entries[i].check == nil {
			entries[i].check = run(ctx, entries[i].name, entries[i].reg.fn)
			fresh = append(fresh, entries[i].check)
		}
	}

	if len(fresh) > 0 {
		c.mu.Lock()
		for _, check := range fresh {
			if _, ok := c.checks[check.Name]; ok {
				c.cache[check.Name] = check
			}
		}
		c.mu.Unlock()
	}

	report := Report{Status: StatusHealthy, Checks: make([]Check, 0, len(entries))}
	for _, e := range entries {
		report.Checks = append(report.Checks, *e.check)

		if e.check.Status == StatusHealthy {
			continue
		}
		switch {
		case e.reg.critical:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}

	if len(info) > 0 {
		report.Info = make(map[string]any, len(info))
		for name, fn := range info {
			report.Info[name] = fn()
		}
	}
	return report
}

func run(ctx context.Context, name string, fn CheckFunc) *Check {
	start := time.Now()
	err := fn(ctx)
	check := &Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    time.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// WriteJSON writes report with the given status code.
func WriteJSON(w http.ResponseWriter, code int, report Report) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(report)
}

// HTTPHandler returns an HTTP handler for health checks. A degraded gateway
// still accepts traffic.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := c.Report(ctx)
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		_ = WriteJSON(w, code, report)
	}
}

// LivenessHandler reports that the process is alive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = WriteJSON(w, http.StatusOK, Report{Status: StatusHealthy, Checks: []Check{}})
	}
}

// ReadinessHandler answers 503 unless every check is healthy.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := c.Report(ctx)
		code := http.StatusOK
		if report.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		_ = WriteJSON(w, code, report)
	}
}
