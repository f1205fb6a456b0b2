package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterWithoutDuplicateNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}
}

func TestTimerObservesElapsedDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds"})
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(h)

	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	require.NotNil(t, m.Histogram)
	assert.EqualValues(t, 1, m.Histogram.GetSampleCount())
	assert.Greater(t, m.Histogram.GetSampleSum(), 0.0)
}
