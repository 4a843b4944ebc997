// Package monitor is the process-global, observational registry of per-key
// call counters. It consumes hooks from keypool and llmclient and never
// blocks either — every method here is a plain mutex-guarded map update.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shadowforge/shadowforge/internal/keypool"
)

// Detail is the per-key view exposed to operators.
type Detail struct {
	KeyID           string
	Provider        string
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	RateLimitHits   int64
	AvgLatency      time.Duration
	Valid           bool
	InvalidReason   string
}

type counters struct {
	mu              sync.Mutex
	calls           int64
	successes       int64
	failures        int64
	rateLimitHits   int64
	totalLatency    time.Duration
	successLatCount int64
	valid           bool
	invalidReason   string
}

// Monitor is the process-wide registry. Construct exactly one per process
// and pass it explicitly to anything that needs it — never a package-level
// global (see SPEC_FULL.md design notes).
type Monitor struct {
	mu   sync.RWMutex
	keys map[string]*counters

	callCounter    metric.Int64Counter
	successCounter metric.Int64Counter
	failureCounter metric.Int64Counter
	rateLimitGauge metric.Int64Counter
	latencyHist    metric.Float64Histogram
}

// New builds a Monitor and registers its OpenTelemetry instruments against
// the global meter provider (set up by internal/telemetry before this is
// called; if telemetry was never initialized, otel's no-op meter is used,
// so this is always safe to construct).
func New() *Monitor {
	meter := otel.Meter("shadowforge/monitor")
	m := &Monitor{keys: make(map[string]*counters)}
	m.callCounter, _ = meter.Int64Counter("llm_key_calls_total")
	m.successCounter, _ = meter.Int64Counter("llm_key_successes_total")
	m.failureCounter, _ = meter.Int64Counter("llm_key_failures_total")
	m.rateLimitGauge, _ = meter.Int64Counter("llm_key_rate_limit_hits_total")
	m.latencyHist, _ = meter.Float64Histogram("llm_key_latency_seconds")
	return m
}

func (m *Monitor) entry(keyID string) *counters {
	m.mu.RLock()
	c, ok := m.keys[keyID]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.keys[keyID]; ok {
		return c
	}
	c = &counters{valid: true}
	m.keys[keyID] = c
	return c
}

// OnCall implements keypool.Hook.
func (m *Monitor) OnCall(keyID string) {
	c := m.entry(keyID)
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	m.callCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key_id", keyID)))
}

// OnSuccess implements keypool.Hook.
func (m *Monitor) OnSuccess(keyID string, latency time.Duration) {
	c := m.entry(keyID)
	c.mu.Lock()
	c.successes++
	c.totalLatency += latency
	c.successLatCount++
	c.mu.Unlock()
	ctx := context.Background()
	m.successCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key_id", keyID)))
	m.latencyHist.Record(ctx, latency.Seconds(), metric.WithAttributes(attribute.String("key_id", keyID)))
}

// OnFailure implements keypool.Hook.
func (m *Monitor) OnFailure(keyID string, kind keypool.FailureKind) {
	c := m.entry(keyID)
	c.mu.Lock()
	c.failures++
	if kind == keypool.FailureRateLimit {
		c.rateLimitHits++
	}
	c.mu.Unlock()
	ctx := context.Background()
	m.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key_id", keyID)))
	if kind == keypool.FailureRateLimit {
		m.rateLimitGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("key_id", keyID)))
	}
}

// OnInvalidated implements keypool.Hook.
func (m *Monitor) OnInvalidated(keyID, reason string) {
	c := m.entry(keyID)
	c.mu.Lock()
	c.valid = false
	c.invalidReason = reason
	c.mu.Unlock()
}

// Reset wipes all counters. Tests only.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = make(map[string]*counters)
}

func (c *counters) detail(keyID, provider string) Detail {
	c.mu.Lock()
	defer c.mu.Unlock()
	var avg time.Duration
	if c.successLatCount > 0 {
		avg = c.totalLatency / time.Duration(c.successLatCount)
	}
	return Detail{
		KeyID:           keyID,
		Provider:        provider,
		TotalCalls:      c.calls,
		SuccessfulCalls: c.successes,
		FailedCalls:     c.failures,
		RateLimitHits:   c.rateLimitHits,
		AvgLatency:      avg,
		Valid:           c.valid,
		InvalidReason:   c.invalidReason,
	}
}

// Detail returns the current counters for one key.
func (m *Monitor) Detail(keyID, provider string) Detail {
	return m.entry(keyID).detail(keyID, provider)
}

// allDetails is an internal helper shared by the Top*/Healthy/Invalid views.
func (m *Monitor) allDetails() []Detail {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Detail, 0, len(m.keys))
	for id, c := range m.keys {
		out = append(out, c.detail(id, ""))
	}
	return out
}

// HealthyKeys returns keys currently marked valid.
func (m *Monitor) HealthyKeys() []Detail {
	var out []Detail
	for _, d := range m.allDetails() {
		if d.Valid {
			out = append(out, d)
		}
	}
	return out
}

// InvalidKeys returns keys currently marked invalid, with their reason.
func (m *Monitor) InvalidKeys() []Detail {
	var out []Detail
	for _, d := range m.allDetails() {
		if !d.Valid {
			out = append(out, d)
		}
	}
	return out
}

// TopBySuccess returns the n keys with the most successful calls, descending.
func (m *Monitor) TopBySuccess(n int) []Detail {
	all := m.allDetails()
	sort.Slice(all, func(i, j int) bool { return all[i].SuccessfulCalls > all[j].SuccessfulCalls })
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// TopByUsage returns the n keys with the most total calls, descending.
func (m *Monitor) TopByUsage(n int) []Detail {
	all := m.allDetails()
	sort.Slice(all, func(i, j int) bool { return all[i].TotalCalls > all[j].TotalCalls })
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all
}
