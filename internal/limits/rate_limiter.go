// Package limits provides accept-side rate limiting for client connections.
package limits

import (
	"golang.org/x/time/rate"
)

// ClientRateLimiter bounds the rate of accepted client connections with a
// token bucket, protecting the loop from connection floods. A nil limiter
// allows everything, which is the default: the client listener is unbounded
// unless operators opt in.
type ClientRateLimiter struct {
	limiter *rate.Limiter
}

// NewClientRateLimiter allows bursts of burst connections and a sustained
// perSec connections per second thereafter.
func NewClientRateLimiter(perSec float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether one more connection may be accepted now.
func (l *ClientRateLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
