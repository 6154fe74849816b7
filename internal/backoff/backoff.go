package backoff

import (
	"math/rand"
	"time"
)

// Delay returns the capped exponential backoff for a retry: min(base * 2^retryCount, cap).
// retryCount is the number of retries already attempted, so the first retry (count 0) waits the
// base duration. jitterFraction, between 0 and 1, widens the delay by a random fraction to
// avoid thundering herds; 0 disables jitter.
func Delay(retryCount int, base, cap time.Duration, jitterFraction float64) time.Duration {
	if base <= 0 {
		return 0
	}

	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}

	if d > cap {
		d = cap
	}

	if jitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * jitterFraction * float64(d))
		d += jitter
	}

	return d
}
