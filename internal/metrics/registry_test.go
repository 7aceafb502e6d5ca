package metrics

import (
	"io"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistry_SetAndSnapshot(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry(zaptest.NewLogger(t), WithClock(func() time.Time { return fixed }))

	assert.Nil(t, r.Set("apiResponseTime", 120))
	r.Set("errorRate", 0.01)
	r.Set("apiResponseTime", 180)

	s, ok := r.Get("apiResponseTime")
	require.True(t, ok)
	assert.Equal(t, 180.0, s.Value)
	assert.Equal(t, fixed, s.Timestamp)

	assert.Equal(t, map[string]float64{"apiResponseTime": 180, "errorRate": 0.01}, r.Snapshot())
	assert.Equal(t, []string{"apiResponseTime", "errorRate"}, r.Names())

	_, ok = r.Latest("missing")
	assert.False(t, ok)
}

func TestRegistry_MirrorsPrometheusGauges(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Set("pending_fixes", 3)
	r.Set("pending_fixes", 7)

	assert.Equal(t, 7.0, testutil.ToFloat64(r.values.WithLabelValues("pending_fixes")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.updates.WithLabelValues("pending_fixes")))

	count, err := testutil.GatherAndCount(r.Gatherer(), "mender_metric_value")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), WithAnomalyDetection(10, 2))
	r.Set("systemHealth", 2)
	r.Reset()

	assert.Empty(t, r.Snapshot())
	count, err := testutil.GatherAndCount(r.Gatherer(), "mender_metric_value")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Set("heap_alloc_mb", 42)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mender_metric_value{metric="heap_alloc_mb"} 42`)
}

func TestRegistry_AnomalyDetection(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), WithAnomalyDetection(10, 3))
	for _, v := range []float64{100, 102, 98, 101, 99, 100} {
		require.Nil(t, r.Set("apiResponseTime", v))
	}

	anomaly := r.Set("apiResponseTime", 500)
	require.NotNil(t, anomaly)
	assert.Equal(t, "apiResponseTime", anomaly.Metric)
	assert.Equal(t, 500.0, anomaly.Value)
	assert.InDelta(t, 100.0, anomaly.Mean, 0.001)
	assert.Greater(t, anomaly.StdDev, 0.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.anomalies.WithLabelValues("apiResponseTime")))
}

func TestDetector(t *testing.T) {
	now := time.Now()

	t.Run("needs history before flagging", func(t *testing.T) {
		d := NewDetector(10, 1)
		for i := 0; i < minSamples; i++ {
			assert.Nil(t, d.Observe("m", float64(i*1000), now))
		}
	})

	t.Run("constant series never flags", func(t *testing.T) {
		d := NewDetector(10, 1)
		for i := 0; i < 20; i++ {
			assert.Nil(t, d.Observe("m", 5, now))
		}
		// Zero deviation cannot produce a z-score.
		assert.Nil(t, d.Observe("m", 50, now))
	})

	t.Run("ignores non-finite values", func(t *testing.T) {
		d := NewDetector(10, 1)
		assert.Nil(t, d.Observe("m", math.NaN(), now))
		assert.Nil(t, d.Observe("m", math.Inf(1), now))
		assert.Empty(t, d.series)
	})

	t.Run("window slides", func(t *testing.T) {
		d := NewDetector(5, 3)
		for i := 0; i < 5; i++ {
			d.Observe("m", 10+float64(i%2), now)
		}
		for i := 0; i < 5; i++ {
			d.Observe("m", 1000+float64(i%2), now)
		}
		// The old baseline has been fully evicted.
		assert.Nil(t, d.Observe("m", 1000, now))
	})

	t.Run("defaults", func(t *testing.T) {
		d := NewDetector(0, 0)
		assert.Equal(t, 30, d.window)
		assert.Equal(t, 3.0, d.sigma)
	})
}
