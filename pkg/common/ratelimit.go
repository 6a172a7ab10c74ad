package common

import "golang.org/x/time/rate"

// RateLimiter provides thread-safe rate limiting for noisy, repetitive work
// such as logging the same transport failure on every reconnect attempt.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter with the specified events per second
// (rps) and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow reports whether an event may happen now, consuming a token if so.
func (rl *RateLimiter) Allow() bool { return rl.limiter.Allow() }
