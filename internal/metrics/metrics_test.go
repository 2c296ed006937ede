package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TaskExecutions.WithLabelValues("http", OutcomeSucceeded).Inc()
	m.TicksTotal.WithLabelValues("timer").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskExecutions.WithLabelValues("http", OutcomeSucceeded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("timer")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNopIsolated(t *testing.T) {
	// two instances must not collide on registration
	a, b := Nop(), Nop()
	a.PendingApprovals.Set(3)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PendingApprovals))
}
