// Package keypool holds, per provider, the set of API keys available to the
// LLM client and their cooldown/health state. It is the only component
// allowed to decide which key a call uses next.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAllKeysExhausted is returned by Acquire when the pool has no keys or
// every key for the provider is invalid. When valid keys are all cooling and
// the caller's context ends first, Acquire returns ctx.Err() instead.
var ErrAllKeysExhausted = errors.New("keypool: all keys exhausted")

// FailureKind classifies an error returned by a provider call, driving the
// cooldown formula in MarkFailure.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureRateLimit
	FailureTransientNetwork
)

const rollingWindowSize = 50

// Record is the mutable health/usage state of one API key.
type Record struct {
	ID           string
	Secret       string
	Provider     string

	mu                  sync.Mutex
	coolingUntil        time.Time
	consecutiveFailures int
	rollingWindow       []bool // true = success
	totalCalls          int64
	successfulCalls     int64
	failedCalls         int64
	rateLimitHits       int64
	totalLatency        time.Duration
	valid               bool
	invalidReason       string
}

// NewRecord constructs a live key record.
func NewRecord(id, secret, provider string) *Record {
	return &Record{ID: id, Secret: secret, Provider: provider, valid: true}
}

// Snapshot is a point-in-time, lock-free copy of a Record for reporting.
type Snapshot struct {
	ID                  string
	Provider            string
	CoolingUntil        time.Time
	ConsecutiveFailures int
	TotalCalls          int64
	SuccessfulCalls     int64
	FailedCalls         int64
	RateLimitHits       int64
	AvgLatency          time.Duration
	Valid               bool
	InvalidReason       string
	FailureRate         float64
}

func (r *Record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var avg time.Duration
	if r.successfulCalls > 0 {
		avg = r.totalLatency / time.Duration(r.successfulCalls)
	}
	var failRate float64
	if n := len(r.rollingWindow); n > 0 {
		fails := 0
		for _, ok := range r.rollingWindow {
			if !ok {
				fails++
			}
		}
		failRate = float64(fails) / float64(n)
	}
	return Snapshot{
		ID:                  r.ID,
		Provider:            r.Provider,
		CoolingUntil:        r.coolingUntil,
		ConsecutiveFailures: r.consecutiveFailures,
		TotalCalls:          r.totalCalls,
		SuccessfulCalls:     r.successfulCalls,
		FailedCalls:         r.failedCalls,
		RateLimitHits:       r.rateLimitHits,
		AvgLatency:          avg,
		Valid:               r.valid,
		InvalidReason:       r.invalidReason,
		FailureRate:         failRate,
	}
}

func (r *Record) isUsable(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid && !r.coolingUntil.After(now)
}

func (r *Record) nextCooldown() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coolingUntil
}

// Pool is a per-provider ordered collection of key Records with a head
// cursor. All methods are safe for concurrent use; Acquire may suspend the
// calling goroutine but never holds the pool lock while sleeping.
type Pool struct {
	provider string
	mu       sync.Mutex
	keys     []*Record
	cursor   int
}

// Hook is notified of every MarkSuccess/MarkFailure and of invalidations
// triggered by MarkFailure, so the Monitor can keep its own counters without
// the pool depending on it. Invalidate does not notify it.
type Hook interface {
	OnCall(keyID string)
	OnSuccess(keyID string, latency time.Duration)
	OnFailure(keyID string, kind FailureKind)
	OnInvalidated(keyID, reason string)
}

// NewPool constructs a key pool for one provider from its keys, all starting
// valid and uncooled.
func NewPool(provider string, keys []*Record) *Pool {
	return &Pool{provider: provider, keys: keys}
}

// Len reports the number of keys registered, valid or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Snapshots returns a health/usage snapshot of every key in the pool.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	keys := append([]*Record(nil), p.keys...)
	p.mu.Unlock()
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.snapshot())
	}
	return out
}

// Acquire returns a usable key: the head key if past its cooldown, or the
// first non-cooling key found rotating forward. It always advances the
// cursor past the key it returns, so repeated calls over equally-healthy
// keys round-robin rather than sticking to the head. If every key is
// cooling, it suspends (without holding the pool lock) until the earliest
// cooldown elapses or ctx is done. It never busy-waits.
func (p *Pool) Acquire(ctx context.Context) (*Record, error) {
	for {
		p.mu.Lock()
		if len(p.keys) == 0 {
			p.mu.Unlock()
			return nil, ErrAllKeysExhausted
		}
		now := time.Now()
		n := len(p.keys)
		var earliest time.Time
		anyValid := false
		for i := 0; i < n; i++ {
			idx := (p.cursor + i) % n
			k := p.keys[idx]
			snap := k.snapshot()
			if !snap.Valid {
				continue
			}
			anyValid = true
			if k.isUsable(now) {
				// Advance past this key regardless of the call's eventual
				// outcome: MarkFailure rotates too, so this only matters for
				// the all-healthy case, where it's what spreads successful
				// calls round-robin instead of pinning every Acquire to the
				// same head key.
				p.cursor = (idx + 1) % n
				p.mu.Unlock()
				return k, nil
			}
			if earliest.IsZero() || snap.CoolingUntil.Before(earliest) {
				earliest = snap.CoolingUntil
			}
		}
		p.mu.Unlock()
		if !anyValid {
			return nil, ErrAllKeysExhausted
		}
		wait := time.Until(earliest)
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Rotate advances the internal cursor one position. MarkFailure calls it
// after a rate-limit or transient-network failure; round-robin spreading of
// successful calls comes from Acquire's own cursor advance.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return
	}
	p.cursor = (p.cursor + 1) % len(p.keys)
}

// Classify maps a raw error/status description to a FailureKind.
func Classify(statusCode int, errText string) FailureKind {
	switch {
	case statusCode == 429:
		return FailureRateLimit
	case statusCode >= 500, statusCode == 0:
		return FailureTransientNetwork
	default:
		return FailureOther
	}
}

// MarkSuccess resets the failure streak, records latency, and appends a
// success to the rolling window (trimmed to 50 entries).
func (p *Pool) MarkSuccess(k *Record, latency time.Duration, hook Hook) {
	k.mu.Lock()
	k.consecutiveFailures = 0
	k.totalCalls++
	k.successfulCalls++
	k.totalLatency += latency
	k.rollingWindow = appendTrim(k.rollingWindow, true)
	k.mu.Unlock()
	if hook != nil {
		hook.OnSuccess(k.ID, latency)
	}
}

// MarkFailure records a failure of the caller-classified kind: it updates the
// failure streak and rolling window, and for rate-limit/transient-network
// failures applies the backoff formula, checks the invalidation policy, then
// rotates the cursor. FailureOther only updates the counters.
func (p *Pool) MarkFailure(k *Record, kind FailureKind, hook Hook) {
	k.mu.Lock()
	k.totalCalls++
	k.failedCalls++
	k.consecutiveFailures++
	k.rollingWindow = appendTrim(k.rollingWindow, false)
	n := k.consecutiveFailures

	switch kind {
	case FailureRateLimit:
		k.rateLimitHits++
		base := math.Min(60, math.Pow(2, float64(n-1)))
		jitter := base * (rand.Float64()*0.5 - 0.25) // +-25%
		cooldown := time.Duration((base + jitter) * float64(time.Second))
		if cooldown < 0 {
			cooldown = 0
		}
		until := time.Now().Add(cooldown)
		if until.After(k.coolingUntil) {
			k.coolingUntil = until
		}
	case FailureTransientNetwork:
		base := math.Min(30, 5*math.Pow(2, float64(n-1)))
		jitter := base * (rand.Float64()*0.5 - 0.25)
		cooldown := time.Duration((base + jitter) * float64(time.Second))
		if cooldown < 0 {
			cooldown = 0
		}
		until := time.Now().Add(cooldown)
		if until.After(k.coolingUntil) {
			k.coolingUntil = until
		}
	case FailureOther:
		// no cooldown, no rotation for "other" classified errors.
		k.mu.Unlock()
		if hook != nil {
			hook.OnFailure(k.ID, kind)
		}
		return
	}

	failRate := 0.0
	full := len(k.rollingWindow) >= rollingWindowSize
	if full {
		fails := 0
		for _, ok := range k.rollingWindow {
			if !ok {
				fails++
			}
		}
		failRate = float64(fails) / float64(len(k.rollingWindow))
	}
	shouldInvalidate := n >= 10 || (full && failRate > 0.8)
	var reason string
	if shouldInvalidate && k.valid {
		k.valid = false
		if n >= 10 {
			reason = fmt.Sprintf("%d consecutive failures", n)
		} else {
			reason = fmt.Sprintf("rolling failure rate %.0f%% over %d calls", failRate*100, len(k.rollingWindow))
		}
		k.invalidReason = reason
	}
	k.mu.Unlock()

	if hook != nil {
		hook.OnFailure(k.ID, kind)
		if reason != "" {
			hook.OnInvalidated(k.ID, reason)
			log.Warn().Str("key_id", k.ID).Str("provider", k.Provider).Str("reason", reason).Msg("key invalidated")
		}
	}
	p.Rotate()
}

// Invalidate marks a key permanently invalid outside the normal failure
// path. No code in this module runs a cold-start key health check, so
// nothing outside the tests calls it.
func (p *Pool) Invalidate(k *Record, reason string) {
	k.mu.Lock()
	k.valid = false
	k.invalidReason = reason
	k.mu.Unlock()
}

func appendTrim(w []bool, v bool) []bool {
	w = append(w, v)
	if len(w) > rollingWindowSize {
		w = w[len(w)-rollingWindowSize:]
	}
	return w
}

// PermanentHealthCheckErrors lists the provider error reasons that count as
// permanent key failures rather than cooldown triggers. No code in this
// module reads it; llmclient's classify matches the same reasons in error
// text and treats them as non-retriable.
var PermanentHealthCheckErrors = map[string]bool{
	"organization_restricted": true,
	"invalid_api_key":         true,
	"unauthorized":            true,
	"forbidden":               true,
	"account_disabled":        true,
}
