package transport

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffJitter = 1 * time.Second
	defaultBackoffCap    = 5 * time.Minute
)

func nextBackoffDurationWithCap(failCount int, base time.Duration, rng *rand.Rand, cap time.Duration) time.Duration {
	if failCount < 0 {
		failCount = 0
	}
	shift := failCount
	if shift > 30 {
		shift = 30
	}
	backoff := base * time.Duration(1<<shift)
	jitterMax := int64(defaultBackoffJitter)
	if int64(base) < jitterMax {
		jitterMax = int64(base)
	}
	var jitter time.Duration
	if jitterMax > 0 {
		jitter = time.Duration(rng.Int63n(jitterMax))
	}
	raw := backoff + jitter
	if raw > cap || raw < 0 {
		return cap
	}
	return raw
}
