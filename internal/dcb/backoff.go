package dcb

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterFunc returns the factor applied to a computed delay.
type JitterFunc func() float64

// DefaultJitter returns a uniform factor in [0.5, 1.5).
func DefaultJitter() float64 {
	return 0.5 + rand.Float64()
}

// NoJitter returns exactly 1 so delays are deterministic.
func NoJitter() float64 {
	return 1.0
}

// BackoffOptions parameterize CalculateBackoff.
type BackoffOptions struct {
	Initial time.Duration
	Base    float64
	Max     time.Duration
	// Jitter defaults to DefaultJitter when nil.
	Jitter JitterFunc
}

// DefaultBackoff starts at 100ms, doubles, and caps at 30s.
var DefaultBackoff = BackoffOptions{
	Initial: 100 * time.Millisecond,
	Base:    2,
	Max:     30 * time.Second,
}

// CalculateBackoff returns min(Max, Initial*Base^attempt) scaled by the
// jitter factor. attempt is 0-based.
func CalculateBackoff(attempt int, opts BackoffOptions) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := opts.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = DefaultJitter
	}

	d := float64(opts.Initial) * math.Pow(base, float64(attempt))
	if opts.Max > 0 && d > float64(opts.Max) {
		d = float64(opts.Max)
	}
	return time.Duration(d * jitter())
}
