// Package llmclient offers the single call site the rest of the system uses
// to talk to an LLM: Call(purpose, prompt, schema) -> structured JSON. It
// resolves purpose to a provider/model via the configured purpose map,
// rotates keys through internal/keypool on retriable failure, and repairs
// lightly-malformed JSON before validating it against the caller's schema.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shadowforge/shadowforge/internal/keypool"
	"github.com/shadowforge/shadowforge/internal/llmclient/jsonrepair"
	"github.com/shadowforge/shadowforge/internal/monitor"
)

// ErrAllKeysExhausted is surfaced when the key pool for a purpose's provider
// has no usable key left.
var ErrAllKeysExhausted = errors.New("llmclient: provider exhausted")

// ErrDeadline is surfaced when the caller-level per-call deadline elapses.
var ErrDeadline = errors.New("llmclient: deadline exceeded")

// Backend issues one non-streaming request to a concrete provider using the
// given API key and model, asking for JSON output, and returns the raw text
// of the model's response. Each real provider package in this tree
// (anthropic, openai, google) implements this against its vendor SDK.
type Backend interface {
	Call(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, error)
}

// Schema describes the JSON keys an output must contain. It is intentionally
// shallow: required top-level keys only, which is all the pipeline stages
// need to validate before they touch the parsed map.
type Schema struct {
	Required []string
}

// Validate checks that every required key is present in obj.
func (s Schema) Validate(obj map[string]any) error {
	for _, k := range s.Required {
		if _, ok := obj[k]; !ok {
			return fmt.Errorf("llmclient: missing required key %q", k)
		}
	}
	return nil
}

// PurposeConfig is the provider/model/temperature triple a purpose resolves
// to.
type PurposeConfig struct {
	Provider    string
	Model       string
	Temperature float64
}

// Client is the process-wide LLM call surface. Construct one per process and
// pass it explicitly; it is not a package-level singleton.
type Client struct {
	purposeMap   map[string]PurposeConfig
	pools        map[string]*keypool.Pool
	backends     map[string]Backend
	monitor      *monitor.Monitor
	stageTimeout time.Duration
}

// Config bundles everything Client needs to construct.
type Config struct {
	PurposeMap   map[string]PurposeConfig
	Pools        map[string]*keypool.Pool // keyed by provider name
	Backends     map[string]Backend       // keyed by provider name
	Monitor      *monitor.Monitor
	StageTimeout time.Duration // default 120s per spec
}

// New validates that a "default" purpose is present (required by spec) and
// constructs a Client.
func New(cfg Config) (*Client, error) {
	if _, ok := cfg.PurposeMap["default"]; !ok {
		return nil, errors.New("llmclient: purpose_map must contain \"default\"")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 120 * time.Second
	}
	return &Client{
		purposeMap:   cfg.PurposeMap,
		pools:        cfg.Pools,
		backends:     cfg.Backends,
		monitor:      cfg.Monitor,
		stageTimeout: cfg.StageTimeout,
	}, nil
}

func (c *Client) resolve(purpose string) (PurposeConfig, error) {
	if pc, ok := c.purposeMap[purpose]; ok {
		return pc, nil
	}
	if pc, ok := c.purposeMap["default"]; ok {
		return pc, nil
	}
	return PurposeConfig{}, fmt.Errorf("llmclient: no purpose mapping for %q and no default", purpose)
}

// Call runs the retry loop described in spec.md §4.3: acquire a key, issue
// the request, classify failures, rotate on retriable ones, and give up with
// ErrAllKeysExhausted or ErrDeadline. The returned map is schema-validated.
func (c *Client) Call(ctx context.Context, purpose, systemPrompt, userPrompt string, schema Schema) (map[string]any, error) {
	pc, err := c.resolve(purpose)
	if err != nil {
		return nil, err
	}
	pool, ok := c.pools[pc.Provider]
	if !ok {
		return nil, fmt.Errorf("llmclient: no key pool configured for provider %q", pc.Provider)
	}
	backend, ok := c.backends[pc.Provider]
	if !ok {
		return nil, fmt.Errorf("llmclient: no backend configured for provider %q", pc.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, c.stageTimeout)
	defer cancel()

	for {
		key, err := pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, keypool.ErrAllKeysExhausted) {
				return nil, ErrAllKeysExhausted
			}
			if ctx.Err() != nil {
				return nil, ErrDeadline
			}
			return nil, err
		}
		if c.monitor != nil {
			c.monitor.OnCall(key.ID)
		}

		start := time.Now()
		raw, callErr := backend.Call(ctx, key.Secret, pc.Model, systemPrompt, userPrompt)
		latency := time.Since(start)

		if callErr == nil {
			pool.MarkSuccess(key, latency, hookFor(c.monitor))
			obj, parseErr := normalizeAndParse(raw)
			if parseErr != nil {
				// Content error: unrecoverable JSON. Non-retriable; surface
				// with context so the chunk pipeline can fail just that chunk.
				return nil, fmt.Errorf("llmclient: unparseable response for purpose %q: %w", purpose, parseErr)
			}
			if err := schema.Validate(obj); err != nil {
				return nil, fmt.Errorf("llmclient: %w", err)
			}
			return obj, nil
		}

		if ctx.Err() != nil {
			return nil, ErrDeadline
		}

		kind, retriable := classify(callErr)
		if !retriable {
			return nil, fmt.Errorf("llmclient: non-retriable error for purpose %q: %w", purpose, callErr)
		}
		pool.MarkFailure(key, kind, hookFor(c.monitor))
		log.Debug().Str("purpose", purpose).Str("provider", pc.Provider).Str("key_id", key.ID).Err(callErr).Msg("llm call retrying on next key")
	}
}

func hookFor(m *monitor.Monitor) keypool.Hook {
	if m == nil {
		return nil
	}
	return m
}

// normalizeAndParse implements the result-shape normalization from §4.3: a
// bare JSON array takes its first object, a non-object scalar is wrapped as
// {"raw": <value>}.
func normalizeAndParse(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty response")
	}

	var asObject map[string]any
	if err := jsonrepair.Parse(trimmed, &asObject); err == nil {
		return asObject, nil
	}

	var asArray []json.RawMessage
	if err := jsonrepair.Parse(trimmed, &asArray); err == nil {
		if len(asArray) == 0 {
			return nil, errors.New("empty JSON array response")
		}
		var obj map[string]any
		if err := jsonrepair.Parse(string(asArray[0]), &obj); err == nil {
			return obj, nil
		}
		var scalar any
		if err := jsonrepair.Parse(string(asArray[0]), &scalar); err == nil {
			return map[string]any{"raw": scalar}, nil
		}
		return nil, fmt.Errorf("unparseable array element: %s", asArray[0])
	}

	var scalar any
	if err := jsonrepair.Parse(trimmed, &scalar); err == nil {
		return map[string]any{"raw": scalar}, nil
	}

	return nil, fmt.Errorf("not valid JSON after repair: %s", truncate(trimmed, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// classify turns a backend error into a keypool.FailureKind plus whether the
// call loop should retry with a different key at all. Each provider backend
// wraps its SDK error in a StatusError (see anthropic/openai/google
// backend.go), which statusFromError reads back out; unrecognized errors
// fall back to substring matching on the error text, and default to
// non-retriable so unknown failure modes fail fast rather than spinning
// through every key silently.
func classify(err error) (keypool.FailureKind, bool) {
	msg := strings.ToLower(err.Error())
	if code, ok := statusFromError(err); ok {
		switch {
		case code == 429:
			return keypool.FailureRateLimit, true
		case code >= 500:
			return keypool.FailureTransientNetwork, true
		case code == 400, code == 401, code == 403, code == 404, code == 422:
			return keypool.FailureOther, false
		}
	}
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return keypool.FailureRateLimit, true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"), strings.Contains(msg, "connection"), strings.Contains(msg, "eof"), strings.Contains(msg, "reset by peer"):
		return keypool.FailureTransientNetwork, true
	case strings.Contains(msg, "organization_restricted"), strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "account_disabled"):
		return keypool.FailureOther, false
	default:
		return keypool.FailureOther, false
	}
}

// StatusError is an error that carries an HTTP status code, implemented by
// each provider backend's error wrapper.
type StatusError interface {
	error
	StatusCode() int
}

func statusFromError(err error) (int, bool) {
	var se StatusError
	if errors.As(err, &se) {
		return se.StatusCode(), true
	}
	// Some SDKs format "...: status 429" in the message; parse it back out.
	msg := err.Error()
	if idx := strings.LastIndex(msg, "status "); idx >= 0 {
		if n, convErr := strconv.Atoi(strings.TrimSpace(msg[idx+len("status "):])); convErr == nil {
			return n, true
		}
	}
	return 0, false
}
