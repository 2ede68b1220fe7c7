// Package backoff provides exponential backoff with optional jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomized, 0..1 (default: 0)
}

// Exponential calculates the delay for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxDelay := 5 * time.Second
	jitter := 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxDelay = cfg.Max
		}
		if cfg.Jitter > 0 && cfg.Jitter <= 1 {
			jitter = cfg.Jitter
		}
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Jitter spreads simultaneous retries (e.g. a fleet of workers
	// re-registering after a coordinator restart) across the window.
	if jitter > 0 {
		delay = delay * (1 - jitter + jitter*rand.Float64())
	}

	return time.Duration(delay)
}
