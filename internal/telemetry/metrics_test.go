package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRecordCacheHitIncrementsLabelledCounter(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	m.Register(reg)

	m.RecordCacheHit(TierNear)
	m.RecordCacheHit(TierNear)
	m.RecordCacheMiss(TierFar)

	if got := counterValue(t, m.CacheHits.WithLabelValues(TierNear)); got != 2 {
		t.Fatalf("got %v near hits, want 2", got)
	}
	if got := counterValue(t, m.CacheMisses.WithLabelValues(TierFar)); got != 1 {
		t.Fatalf("got %v far misses, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
