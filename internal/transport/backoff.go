// ABOUTME: Reconnect delay computation: constant by default, exponential with jitter when configured
// ABOUTME: Jitter spreads a fleet of agents reconnecting after a hub restart

package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between reconnect attempts.
// The zero Multiplier and Jitter give a constant delay of Initial.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// DefaultBackoff reconnects after a constant second, capped for the
// exponential case should a config raise the multiplier.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial: time.Second,
		Max:     30 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	multiplier := b.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	delay := float64(b.Initial) * math.Pow(multiplier, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}

	return time.Duration(delay)
}
