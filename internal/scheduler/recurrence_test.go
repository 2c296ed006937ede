package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecurrence(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		in   string
		want time.Time
		kind any
	}{
		{"15m", base.Add(15 * time.Minute), FixedInterval{}},
		{"@every 2h", base.Add(2 * time.Hour), FixedInterval{}},
		{"0 13 * * *", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), CronExpression{}},
		{"30 0 9 * * *", time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC), CronExpression{}},
		{"@daily", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), CronExpression{}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			rec, err := ParseRecurrence(tc.in)
			require.NoError(t, err)
			assert.IsType(t, tc.kind, rec)
			next, err := rec.Next(base)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(next), "got %s want %s", next, tc.want)
		})
	}
}

func TestParseRecurrenceInvalid(t *testing.T) {
	for _, in := range []string{"", "  ", "-5m", "@every 0s", "@every soon", "not a cron", "61 * * * *"} {
		_, err := ParseRecurrence(in)
		assert.Error(t, err, in)
	}
}

func TestFixedIntervalString(t *testing.T) {
	assert.Equal(t, "@every 1h30m0s", FixedInterval{Every: 90 * time.Minute}.String())
}

func TestNextOccurrences(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := NextOccurrences("1h", base, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[2].Equal(base.Add(3*time.Hour)))
}
