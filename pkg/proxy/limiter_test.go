package proxy

import (
	"fmt"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiterDisabled(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{})
	assert.Nil(t, l)
	assert.True(t, l.Allow("anything"))
	assert.Zero(t, l.Len())
}

func TestLimiterPerMinute(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{PerMinute: 3, IdleTTL: time.Hour})
	require.NotNil(t, l)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	l.lastPurge = now

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("tok"), "request %d", i)
	}
	assert.False(t, l.Allow("tok"))

	now = now.Add(20 * time.Second)
	assert.True(t, l.Allow("tok"))
	assert.False(t, l.Allow("tok"))
}

func TestLimiterPurgesIdle(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{PerSecond: 5, Burst: 5, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	l.lastPurge = now

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	now = now.Add(30 * time.Second)
	l.Allow("b")
	now = now.Add(45 * time.Second)
	l.Allow("c")
	// a idle for 75s is purged, b idle for 45s is kept
	assert.Equal(t, 2, l.Len())
}

func TestLimiterEvictsWhenFull(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{PerSecond: 1, IdleTTL: time.Hour})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	l.lastPurge = now
	for i := 0; i < maxVisitors; i++ {
		now = now.Add(time.Millisecond)
		l.visitors[hashKey(fmt.Sprint(i))] = &visitor{limiters: l.newLimiters(), lastUsed: now}
	}
	require.Equal(t, maxVisitors, l.Len())
	l.Allow("new")
	assert.Less(t, l.Len(), maxVisitors)
}
