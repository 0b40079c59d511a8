package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// ClientRateLimiter limits the RPC request rate of a single client.
type ClientRateLimiter struct {
	limiter *rate.Limiter
}

// NewClientRateLimiter allows requestsPerMinute requests per minute with a
// burst of the same size. A non-positive limit disables limiting.
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		return &ClientRateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &ClientRateLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute),
	}
}

// Allow consumes one request token.
func (r *ClientRateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowAt is Allow evaluated at t.
func (r *ClientRateLimiter) AllowAt(t time.Time) bool {
	return r.limiter.AllowN(t, 1)
}
