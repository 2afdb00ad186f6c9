package broadcast

import (
	"math/rand"
	"time"
)

// Backoff returns the wait before retry attempt n (0-based): the base
// doubled per attempt, plus uniform jitter in [0, jitterMax) so a batch
// of failures does not retry in lockstep.
func Backoff(base time.Duration, attempt int, jitterMax time.Duration, rnd *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so a corrupt retry counter cannot overflow.
	if attempt > 20 {
		attempt = 20
	}
	d := base << uint(attempt)
	if jitterMax > 0 && rnd != nil {
		d += time.Duration(rnd.Int63n(int64(jitterMax)))
	}
	return d
}
