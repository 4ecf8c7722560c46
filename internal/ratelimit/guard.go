// Package ratelimit guards a single connection against an inbound frame
// flood using a token-bucket limiter, grounded on the same
// golang.org/x/time/rate token-bucket idiom used for RPC request shaping
// elsewhere in the corpus.
package ratelimit

import "golang.org/x/time/rate"

// Guard wraps a per-connection rate.Limiter. One Guard is constructed per
// connection at session start — never per frame, or every frame would get a
// fresh full bucket and the limiter would never trip.
type Guard struct {
	limiter *rate.Limiter
}

// New builds a Guard allowing framesPerSec frames/sec on average with a
// burst of up to burst frames. framesPerSec <= 0 disables limiting (an
// always-allow Guard), matching the documented scenarios where a compliant
// client's traffic pattern is never bounded by this layer.
func New(framesPerSec float64, burst int) *Guard {
	if framesPerSec <= 0 {
		return &Guard{limiter: nil}
	}
	return &Guard{limiter: rate.NewLimiter(rate.Limit(framesPerSec), burst)}
}

// Allow reports whether the next inbound frame may be processed immediately.
// A false result means the connection is flooding and should be closed
// (the resource-exhaustion disposition), not throttled-and-retried: this
// protocol has no backoff signal a client would honor.
func (g *Guard) Allow() bool {
	if g == nil || g.limiter == nil {
		return true
	}
	return g.limiter.Allow()
}
