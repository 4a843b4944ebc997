package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowforge/shadowforge/internal/keypool"
)

func TestMonitor_OnCallOnSuccessAccumulatePerKeyCounters(t *testing.T) {
	m := New()
	m.OnCall("k1")
	m.OnCall("k1")
	m.OnSuccess("k1", 100*time.Millisecond)
	m.OnSuccess("k1", 300*time.Millisecond)

	d := m.Detail("k1", "anthropic")
	assert.Equal(t, int64(2), d.TotalCalls)
	assert.Equal(t, int64(2), d.SuccessfulCalls)
	assert.Equal(t, int64(0), d.FailedCalls)
	assert.Equal(t, 200*time.Millisecond, d.AvgLatency)
	assert.True(t, d.Valid)
}

func TestMonitor_OnFailureTracksRateLimitHitsSeparately(t *testing.T) {
	m := New()
	m.OnFailure("k1", keypool.FailureRateLimit)
	m.OnFailure("k1", keypool.FailureTransientNetwork)
	m.OnFailure("k1", keypool.FailureRateLimit)

	d := m.Detail("k1", "anthropic")
	assert.Equal(t, int64(3), d.FailedCalls)
	assert.Equal(t, int64(2), d.RateLimitHits)
}

func TestMonitor_OnInvalidatedMarksKeyInvalidWithReason(t *testing.T) {
	m := New()
	m.OnCall("k1")
	m.OnInvalidated("k1", "10 consecutive failures")

	d := m.Detail("k1", "anthropic")
	assert.False(t, d.Valid)
	assert.Equal(t, "10 consecutive failures", d.InvalidReason)
}

func TestMonitor_HealthyAndInvalidKeysPartitionByValidity(t *testing.T) {
	m := New()
	m.OnCall("healthy")
	m.OnCall("sick")
	m.OnInvalidated("sick", "rolling failure rate 90% over 50 calls")

	healthy := m.HealthyKeys()
	invalid := m.InvalidKeys()
	require.Len(t, healthy, 1)
	require.Len(t, invalid, 1)
	assert.Equal(t, "healthy", healthy[0].KeyID)
	assert.Equal(t, "sick", invalid[0].KeyID)
}

func TestMonitor_TopBySuccessAndTopByUsageSortDescendingAndTruncate(t *testing.T) {
	m := New()
	for i := 0; i < 5; i++ {
		m.OnCall("k1")
	}
	m.OnSuccess("k1", time.Millisecond)

	for i := 0; i < 2; i++ {
		m.OnCall("k2")
	}
	m.OnSuccess("k2", time.Millisecond)
	m.OnSuccess("k2", time.Millisecond)
	m.OnSuccess("k2", time.Millisecond)

	m.OnCall("k3")

	byUsage := m.TopByUsage(2)
	require.Len(t, byUsage, 2)
	assert.Equal(t, "k1", byUsage[0].KeyID)
	assert.Equal(t, "k2", byUsage[1].KeyID)

	bySuccess := m.TopBySuccess(0)
	require.Len(t, bySuccess, 3)
	assert.Equal(t, "k2", bySuccess[0].KeyID, "k2 has the most successful calls")
}

func TestMonitor_ResetClearsAllCounters(t *testing.T) {
	m := New()
	m.OnCall("k1")
	m.OnSuccess("k1", time.Millisecond)
	require.NotEmpty(t, m.allDetails())

	m.Reset()
	assert.Empty(t, m.allDetails())
	d := m.Detail("k1", "anthropic")
	assert.Equal(t, int64(0), d.TotalCalls)
}

func TestMonitor_ImplementsKeypoolHook(t *testing.T) {
	var _ keypool.Hook = New()
}
