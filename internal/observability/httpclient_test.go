package observability

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func TestNewHTTPClient_WrapsTransportForTracing(t *testing.T) {
	c := NewHTTPClient(nil)
	require.NotNil(t, c)
	_, ok := c.Transport.(*otelhttp.Transport)
	assert.True(t, ok, "expected transport to be otelhttp-instrumented")
}

func TestNewHTTPClient_PreservesCallerTransport(t *testing.T) {
	called := false
	base := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	})}

	c := NewHTTPClient(base)
	req, err := http.NewRequest(http.MethodGet, "http://example.test", nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	require.NoError(t, err)
	assert.True(t, called, "expected caller's round tripper to still run under the otel wrapper")
}

func TestWithHeaders_InjectsFetchUserAgentWithoutOverridingExplicitOne(t *testing.T) {
	base := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "shadowforge-fetch/1.0", req.Header.Get("User-Agent"))
		assert.Equal(t, "keep", req.Header.Get("X-Existing"))
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	})}

	c := WithHeaders(base, map[string]string{"User-Agent": "shadowforge-fetch/1.0", "X-Existing": "override"})
	req, err := http.NewRequest(http.MethodGet, "http://example.test", nil)
	require.NoError(t, err)
	req.Header.Set("X-Existing", "keep")

	_, err = c.Do(req)
	require.NoError(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
