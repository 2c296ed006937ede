package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextRetryTimeDoubles(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := 10 * time.Second

	assert.Equal(t, now.Add(10*time.Second), NextRetryTime(now, base, 0, time.Hour))
	assert.Equal(t, now.Add(20*time.Second), NextRetryTime(now, base, 1, time.Hour))
	assert.Equal(t, now.Add(80*time.Second), NextRetryTime(now, base, 3, time.Hour))
}

func TestNextRetryTimeCapped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), NextRetryTime(now, 10*time.Second, 10, time.Minute))
	assert.Equal(t, now.Add(time.Minute), NextRetryTime(now, 10*time.Second, 1000, time.Minute))
}

func TestBackoffWithoutCapDoesNotOverflow(t *testing.T) {
	d := backoffDelay(time.Second, 500, 0)
	assert.Greater(t, d, time.Duration(0))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 60*time.Second, p.Delay(1))
	assert.Equal(t, 30*time.Minute, p.Delay(20))
}
