// Package ratelimit paces outgoing DHT traffic and bounds the number of
// operations in flight.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces packet sends.
type Limiter struct {
	limiter *rate.Limiter
	enabled bool
}

// New creates a new packet limiter.
// packetsPerSecond of 0 or negative means unlimited.
func New(packetsPerSecond int) *Limiter {
	if packetsPerSecond <= 0 {
		return &Limiter{enabled: false}
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(packetsPerSecond), burstFor(packetsPerSecond)),
		enabled: true,
	}
}

// Burst allows a quarter second worth of packets, at least 8 so a lookup
// can fill its initial concurrency window at once.
func burstFor(packetsPerSecond int) int {
	burst := packetsPerSecond / 4
	if burst < 8 {
		burst = 8
	}
	return burst
}

// Enabled returns whether rate limiting is active
func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// Wait blocks until a packet may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.Enabled() {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}
