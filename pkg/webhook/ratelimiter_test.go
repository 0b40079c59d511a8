package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(0.001, 3) // burst of 3, then effectively none
	defer rl.Stop()

	ip := "192.168.1.1"
	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow(ip)
		assert.True(t, ok, "Request %d should be allowed", i+1)
	}

	ok, retryAfter := rl.Allow(ip)
	assert.False(t, ok, "4th request should be denied")
	assert.Greater(t, retryAfter, time.Second)
}

func TestRateLimiterMultipleIPs(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	defer rl.Stop()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		for i := 0; i < 2; i++ {
			ok, _ := rl.Allow(ip)
			assert.True(t, ok)
		}
		ok, _ := rl.Allow(ip)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, rl.Clients())
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	defer rl.Stop()

	ok, _ := rl.Allow("ip")
	assert.True(t, ok)
	ok, _ = rl.Allow("ip")
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		ok, _ := rl.Allow("ip")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Stop()

	rl.Allow("old")
	rl.cleanup(time.Now().Add(clientIdleTTL + time.Second))
	assert.Equal(t, 0, rl.Clients())

	// Stop is idempotent
	rl.Stop()
}
