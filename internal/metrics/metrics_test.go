package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectorsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TasksTotal.WithLabelValues("completed").Inc()
	m.EscrowExpired.Inc()
	m.TasksInFlight.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestDefaultReturnsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	require.Same(t, a, b)
}
