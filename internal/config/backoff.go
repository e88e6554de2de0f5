package config

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the redial delay before attempt+1, where attempt is
// the 1-based number of the attempt that just failed. The delay grows by
// Multiplier per attempt; with Jitter it is scaled by a factor in [0.5, 1.5).
// MaxDelay bounds the result after jitter.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	mult := max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))

	if cfg.Jitter && attempt > 1 {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	return time.Duration(delay)
}
