package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.JobsSubmitted.WithLabelValues("full").Inc()
	a.BackendDegraded.Set(1)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.JobsSubmitted.WithLabelValues("full")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.JobsSubmitted.WithLabelValues("full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.BackendDegraded))
}

func TestRepoOpsLabels(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RepoOps.WithLabelValues("memory", "create", "ok").Inc()
	m.RepoOps.WithLabelValues("memory", "create", "conflict").Inc()
	m.RepoOps.WithLabelValues("memory", "create", "ok").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RepoOps.WithLabelValues("memory", "create", "ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RepoOps))
}
