package voxmeter

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultHealthFailureThreshold = 3
	defaultHealthFailureWindow    = 5 * time.Minute
	defaultHealthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-provider health using a circuit breaker pattern.
// An unhealthy provider is skipped until its cool-down elapses, then gets a
// single half-open probe.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerHealth

	threshold int
	window    time.Duration
	coolDown  time.Duration
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithFailureThreshold sets how many failures inside the window open the circuit.
func WithFailureThreshold(n int) HealthOption {
	return func(h *HealthTracker) { h.threshold = n }
}

// WithFailureWindow sets the sliding window for counting failures.
func WithFailureWindow(d time.Duration) HealthOption {
	return func(h *HealthTracker) { h.window = d }
}

// WithCoolDown sets how long an unhealthy provider is skipped.
func WithCoolDown(d time.Duration) HealthOption {
	return func(h *HealthTracker) { h.coolDown = d }
}

// WithHealthClock overrides the time source.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthTracker) { h.now = now }
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		providers: make(map[string]*providerHealth),
		threshold: defaultHealthFailureThreshold,
		window:    defaultHealthFailureWindow,
		coolDown:  defaultHealthUnhealthyPeriod,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.threshold < 1 {
		h.threshold = 1
	}
	return h
}

// GetHealth returns the current health state for a provider.
func (h *HealthTracker) GetHealth(provider string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return HealthHealthy
	}
	h.refresh(ph)
	return ph.state
}

// RecordSuccess closes the circuit for a provider.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
}

// RecordFailure records a failed call. A failed half-open probe reopens the
// circuit immediately.
func (h *HealthTracker) RecordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	h.refresh(ph)

	now := h.now()
	switch ph.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
		return
	}

	cutoff := now.Add(-h.window)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= h.threshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

// Snapshot returns the state of every provider seen so far, keyed by name.
func (h *HealthTracker) Snapshot() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		ph := h.providers[name]
		h.refresh(ph)
		out[name] = ph.state.String()
	}
	return out
}

// refresh moves an unhealthy provider to half-open once its cool-down has
// elapsed. Must be called with lock held.
func (h *HealthTracker) refresh(ph *providerHealth) {
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= h.coolDown {
		ph.state = HealthHalfOpen
	}
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
