package utils

import (
	"math/rand"
	"time"
)

func Now() time.Time {
	return time.Now().UTC()
}

func NowPtr() *time.Time {
	now := Now()
	return &now
}

func WallMillis() int64 {
	return time.Now().UnixMilli()
}

// BackoffDuration returns base·factor^attempt capped at max.
func BackoffDuration(base time.Duration, factor float64, attempt int, max time.Duration) time.Duration {
	if factor < 1 {
		factor = 2
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if d >= float64(max) {
			return max
		}
	}
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// AddJitter spreads a duration by ±20% to avoid thundering herds.
func AddJitter(d time.Duration) time.Duration {
	jitterFactor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitterFactor)
}
