package webhook

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultBaseDelay is the first retry delay before jitter.
const DefaultBaseDelay = time.Second

// RetryDelay returns the wait before the next attempt after failed attempts
// have failed (1-based). jitter must lie in [0, base); keeping it below base
// makes successive delays non-decreasing. The result never exceeds the
// policy's MaxDelay when one is set; without one it saturates instead of
// overflowing.
func RetryDelay(policy RetryPolicy, base time.Duration, failed int, jitter time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if failed < 1 {
		failed = 1
	}
	var mult int64
	switch policy.Backoff {
	case BackoffLinear:
		mult = int64(failed)
	default:
		shift := failed - 1
		if shift > 32 {
			shift = 32
		}
		mult = int64(1) << shift
	}
	delay := saturatingAdd(saturatingMul(base, mult), jitter)
	if maxDelay := policy.MaxDelay(); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func saturatingMul(d time.Duration, n int64) time.Duration {
	if n > 0 && int64(d) > math.MaxInt64/n {
		return math.MaxInt64
	}
	return d * time.Duration(n)
}

func saturatingAdd(d, extra time.Duration) time.Duration {
	if extra > 0 && d > math.MaxInt64-extra {
		return math.MaxInt64
	}
	return d + extra
}

// randomJitter draws uniformly from [0, base).
func randomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}
