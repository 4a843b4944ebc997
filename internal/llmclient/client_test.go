package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowforge/shadowforge/internal/keypool"
)

// fakeBackend returns canned responses/errors in sequence, one per call,
// recording which API key secret was used each time so tests can assert on
// key rotation.
type fakeBackend struct {
	responses []fakeResponse
	calls     int
	usedKeys  []string
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeBackend) Call(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, error) {
	f.usedKeys = append(f.usedKeys, apiKey)
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		return "", errors.New("fakeBackend: out of canned responses")
	}
	r := f.responses[i]
	return r.text, r.err
}

type statusErr struct {
	msg    string
	status int
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) StatusCode() int { return e.status }

func newTestPool(provider string, keyIDs ...string) *keypool.Pool {
	keys := make([]*keypool.Record, len(keyIDs))
	for i, id := range keyIDs {
		keys[i] = keypool.NewRecord(id, "secret-"+id, provider)
	}
	return keypool.NewPool(provider, keys)
}

func newTestClient(t *testing.T, backend Backend, pool *keypool.Pool) *Client {
	t.Helper()
	c, err := New(Config{
		PurposeMap: map[string]PurposeConfig{"default": {Provider: "anthropic", Model: "claude-test"}},
		Pools:      map[string]*keypool.Pool{"anthropic": pool},
		Backends:   map[string]Backend{"anthropic": backend},
	})
	require.NoError(t, err)
	return c
}

func TestCall_SucceedsOnFirstKey(t *testing.T) {
	backend := &fakeBackend{responses: []fakeResponse{{text: `{"summary":"ok"}`}}}
	pool := newTestPool("anthropic", "k1", "k2")
	c := newTestClient(t, backend, pool)

	obj, err := c.Call(context.Background(), "default", "sys", "user", Schema{Required: []string{"summary"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", obj["summary"])
	assert.Equal(t, []string{"secret-k1"}, backend.usedKeys)
}

func TestCall_RetriesOnRetriableErrorAndRotatesToNextKey(t *testing.T) {
	backend := &fakeBackend{responses: []fakeResponse{
		{err: &statusErr{msg: "rate limited", status: 429}},
		{text: `{"summary":"recovered"}`},
	}}
	pool := newTestPool("anthropic", "k1", "k2")
	c := newTestClient(t, backend, pool)

	obj, err := c.Call(context.Background(), "default", "sys", "user", Schema{Required: []string{"summary"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", obj["summary"])
	require.Len(t, backend.usedKeys, 2)
	assert.NotEqual(t, backend.usedKeys[0], backend.usedKeys[1], "retry must use a different key")
}

func TestCall_AllKeysExhaustedSurfacesSentinelError(t *testing.T) {
	backend := &fakeBackend{}
	// A key invalidated the same way a cold-start health check would
	// (organization_restricted, invalid_api_key, etc.) leaves the pool with
	// no usable key at all, which Acquire reports as ErrAllKeysExhausted.
	keys := []*keypool.Record{keypool.NewRecord("only", "secret-only", "anthropic")}
	pool := keypool.NewPool("anthropic", keys)
	pool.Invalidate(keys[0], "test: forced invalid")
	c := newTestClient(t, backend, pool)

	_, err := c.Call(context.Background(), "default", "sys", "user", Schema{})
	assert.ErrorIs(t, err, ErrAllKeysExhausted)
}

func TestCall_DeadlineExceededWhileWaitingOnCoolingKey(t *testing.T) {
	backend := &fakeBackend{}
	pool := newTestPool("anthropic", "k1")
	c, err := New(Config{
		PurposeMap:   map[string]PurposeConfig{"default": {Provider: "anthropic", Model: "claude-test"}},
		Pools:        map[string]*keypool.Pool{"anthropic": pool},
		Backends:     map[string]Backend{"anthropic": backend},
		StageTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	// Force the only key into a long cooldown before Call ever runs.
	keys := pool.Snapshots()
	require.Len(t, keys, 1)
	rec := keypool.NewRecord(keys[0].ID, "secret", "anthropic")
	coolPool := keypool.NewPool("anthropic", []*keypool.Record{rec})
	for i := 0; i < 6; i++ {
		coolPool.MarkFailure(rec, keypool.FailureRateLimit, nil)
	}
	c.pools["anthropic"] = coolPool

	_, err = c.Call(context.Background(), "default", "sys", "user", Schema{})
	assert.ErrorIs(t, err, ErrDeadline)
}

func TestCall_NonRetriableErrorStopsImmediatelyWithoutRotating(t *testing.T) {
	backend := &fakeBackend{responses: []fakeResponse{
		{err: &statusErr{msg: "bad request", status: 400}},
	}}
	pool := newTestPool("anthropic", "k1", "k2")
	c := newTestClient(t, backend, pool)

	_, err := c.Call(context.Background(), "default", "sys", "user", Schema{})
	require.Error(t, err)
	assert.Len(t, backend.usedKeys, 1, "non-retriable error must not retry on another key")
}

func TestCall_SchemaValidationFailureIsReturnedAsError(t *testing.T) {
	backend := &fakeBackend{responses: []fakeResponse{{text: `{"other":"value"}`}}}
	pool := newTestPool("anthropic", "k1")
	c := newTestClient(t, backend, pool)

	_, err := c.Call(context.Background(), "default", "sys", "user", Schema{Required: []string{"summary"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summary")
}

func TestCall_UnknownPurposeFallsBackToDefault(t *testing.T) {
	backend := &fakeBackend{responses: []fakeResponse{{text: `{"summary":"ok"}`}}}
	pool := newTestPool("anthropic", "k1")
	c := newTestClient(t, backend, pool)

	obj, err := c.Call(context.Background(), "no_such_purpose", "sys", "user", Schema{})
	require.NoError(t, err)
	assert.Equal(t, "ok", obj["summary"])
}

func TestClassify_UsesStatusErrorWhenAvailable(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  keypool.FailureKind
		wantRetry bool
	}{
		{429, keypool.FailureRateLimit, true},
		{500, keypool.FailureTransientNetwork, true},
		{503, keypool.FailureTransientNetwork, true},
		{400, keypool.FailureOther, false},
		{401, keypool.FailureOther, false},
		{403, keypool.FailureOther, false},
		{404, keypool.FailureOther, false},
		{422, keypool.FailureOther, false},
	}
	for _, tc := range cases {
		kind, retry := classify(&statusErr{msg: "x", status: tc.status})
		assert.Equalf(t, tc.wantKind, kind, "status %d kind", tc.status)
		assert.Equalf(t, tc.wantRetry, retry, "status %d retry", tc.status)
	}
}

func TestClassify_FallsBackToTextMatchingWithoutStatusError(t *testing.T) {
	cases := []struct {
		msg       string
		wantKind  keypool.FailureKind
		wantRetry bool
	}{
		{"429 Too Many Requests", keypool.FailureRateLimit, true},
		{"rate limit exceeded", keypool.FailureRateLimit, true},
		{"connection timeout", keypool.FailureTransientNetwork, true},
		{"context deadline exceeded", keypool.FailureTransientNetwork, true},
		{"unexpected EOF", keypool.FailureTransientNetwork, true},
		{"read: connection reset by peer", keypool.FailureTransientNetwork, true},
		{"organization_restricted", keypool.FailureOther, false},
		{"invalid_api_key provided", keypool.FailureOther, false},
		{"some unrelated failure", keypool.FailureOther, false},
	}
	for _, tc := range cases {
		kind, retry := classify(errors.New(tc.msg))
		assert.Equalf(t, tc.wantKind, kind, "msg %q kind", tc.msg)
		assert.Equalf(t, tc.wantRetry, retry, "msg %q retry", tc.msg)
	}
}

func TestClassify_ParsesTrailingStatusFromErrorText(t *testing.T) {
	kind, retry := classify(errors.New("anthropic call failed: status 429"))
	assert.Equal(t, keypool.FailureRateLimit, kind)
	assert.True(t, retry)
}

func TestNormalizeAndParse_PlainObject(t *testing.T) {
	obj, err := normalizeAndParse(`{"summary": "ok", "n": 3}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", obj["summary"])
}

func TestNormalizeAndParse_ArrayTakesFirstObjectElement(t *testing.T) {
	obj, err := normalizeAndParse(`[{"summary": "first"}, {"summary": "second"}]`)
	require.NoError(t, err)
	assert.Equal(t, "first", obj["summary"])
}

func TestNormalizeAndParse_ArrayOfScalarsWrapsFirstAsRaw(t *testing.T) {
	obj, err := normalizeAndParse(`["hello", "world"]`)
	require.NoError(t, err)
	assert.Equal(t, "hello", obj["raw"])
}

func TestNormalizeAndParse_BareScalarWrapsAsRaw(t *testing.T) {
	obj, err := normalizeAndParse(`"just a string"`)
	require.NoError(t, err)
	assert.Equal(t, "just a string", obj["raw"])

	obj, err = normalizeAndParse(`42`)
	require.NoError(t, err)
	assert.Equal(t, float64(42), obj["raw"])
}

func TestNormalizeAndParse_RepairsTrailingCommaAndSingleQuotes(t *testing.T) {
	obj, err := normalizeAndParse("{'summary': 'ok',}")
	require.NoError(t, err)
	assert.Equal(t, "ok", obj["summary"])
}

func TestNormalizeAndParse_EmptyResponseErrors(t *testing.T) {
	_, err := normalizeAndParse("   ")
	assert.Error(t, err)
}

func TestNormalizeAndParse_EmptyArrayErrors(t *testing.T) {
	_, err := normalizeAndParse("[]")
	assert.Error(t, err)
}

func TestNormalizeAndParse_UnparseableTextErrors(t *testing.T) {
	_, err := normalizeAndParse("not json at all {{{")
	assert.Error(t, err)
}
