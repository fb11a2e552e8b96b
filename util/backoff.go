package util

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase   = 30 * time.Second
	backoffCap    = time.Hour
	backoffJitter = 0.2
)

// BackoffBase is the deterministic retry delay for the given attempt
// number (1-based): 30s doubled per attempt, capped at one hour.
func BackoffBase(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Backoff adds up to ±20% jitter to the base delay so a burst of failures
// against one peer does not retry in lockstep. The cap still holds after
// jitter.
func Backoff(attempt int) time.Duration {
	d := BackoffBase(attempt)
	factor := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	d = time.Duration(float64(d) * factor)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
