// Package backoff computes retry delays for failed run launches.
//
// The policy is a pure function of the failure count: the scheduler asks
// "how long before attempt n is retried?" and schedules its own timer with
// the answer. Randomness for jitter comes from an injectable source so the
// full delay sequence is reproducible in tests.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Default policy parameters.
const (
	DefaultBase       = 30 * time.Second
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 5 * time.Minute
	DefaultJitter     = 0.1
	DefaultMaxRetries = 5
)

// Policy describes an exponential backoff schedule with a delay cap and a
// bounded number of retries. The zero value retries nothing; use Default or
// fill in the fields explicitly.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Multiplier scales the delay for each subsequent failure.
	Multiplier float64

	// MaxDelay caps the computed delay before jitter is applied.
	MaxDelay time.Duration

	// Jitter is the fraction of the capped delay added as uniform random
	// jitter. Zero disables jitter entirely.
	Jitter float64

	// MaxRetries is the number of failures after which Delay reports
	// that retries are exhausted.
	MaxRetries int

	// Rand supplies jitter randomness. Nil falls back to the package-level
	// math/rand source; tests inject a seeded *rand.Rand for determinism.
	Rand *rand.Rand
}

// Default returns the policy used when no backoff configuration is supplied.
func Default() Policy {
	return Policy{
		Base:       DefaultBase,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     DefaultJitter,
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay returns the delay to wait before retrying after the n-th failure
// (1-based). The second return value is false when n is out of range or the
// retry budget is exhausted, meaning the caller should give up.
func (p Policy) Delay(n int) (time.Duration, bool) {
	if n < 1 || n > p.MaxRetries {
		return 0, false
	}

	d := float64(p.Base) * math.Pow(p.Multiplier, float64(n-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}

	if p.Jitter > 0 {
		d += p.float64() * p.Jitter * d
	}
	return time.Duration(d), true
}

func (p Policy) float64() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}
	return rand.Float64()
}
