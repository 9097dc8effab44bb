package syncer

import (
	"math/rand"
	"time"
)

const jitterFraction = 0.2

// backoffDelay computes min(base * 2^failures, max) with +/-20% jitter.
// Delays strictly increase with consecutive failures until they plateau at
// the ceiling; jitter keeps a fleet of devices from retrying in lockstep.
func backoffDelay(base, max time.Duration, failures int, rng *rand.Rand) time.Duration {
	if failures <= 0 {
		return base
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	if rng != nil {
		jitter := 1 + jitterFraction*(2*rng.Float64()-1)
		delay = time.Duration(float64(delay) * jitter)
	}
	if delay < base {
		delay = base
	}
	return delay
}
