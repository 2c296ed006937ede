package scheduler

import (
	"math"
	"time"
)

// RetryPolicy governs how often and how late a failed task is re-attempted.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  30 * time.Second,
		MaxDelay:   30 * time.Minute,
		MaxRetries: 3,
	}
}

// Delay is base * 2^retryCount, capped at MaxDelay.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	return backoffDelay(p.BaseDelay, retryCount, p.MaxDelay)
}

// NextRetryTime returns when the retryCount-th retry should run, counted from now.
func NextRetryTime(now time.Time, base time.Duration, retryCount int, limit time.Duration) time.Time {
	return now.Add(backoffDelay(base, retryCount, limit))
}

func backoffDelay(base time.Duration, retryCount int, limit time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if (limit > 0 && d >= limit) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
