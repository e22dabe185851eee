package resilience

import (
	"time"
)

// BackoffFrom builds a Backoff from config values, keeping defaults for
// unset (zero) fields.
func BackoffFrom(attempts, initialMs, maxMs int, multiplier, jitter float64) Backoff {
	b := DefaultBackoff()
	if attempts > 0 {
		b.Attempts = attempts
	}
	if initialMs > 0 {
		b.Initial = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		b.Max = time.Duration(maxMs) * time.Millisecond
	}
	if multiplier > 0 {
		b.Multiplier = multiplier
	}
	if jitter > 0 {
		b.Jitter = jitter
	}
	return b
}

// BreakerFrom builds a BreakerConfig from config values.
func BreakerFrom(failureThreshold, cooldownSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}
