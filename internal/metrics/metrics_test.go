package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter("sync_drains_total", map[string]string{"status": "ok"}, "Drains")
	registry.IncrementCounter("sync_drains_total", map[string]string{"status": "ok"}, "Drains")
	registry.IncrementCounter("sync_drains_total", map[string]string{"status": "error"}, "Drains")

	counters := registry.GetAllMetrics()["counters"].(map[string]Metric)
	require.Len(t, counters, 2)
	assert.Equal(t, 2.0, counters["sync_drains_total_status:ok"].Value)
	assert.Equal(t, 1.0, counters["sync_drains_total_status:error"].Value)
	assert.Equal(t, Counter, counters["sync_drains_total_status:ok"].Type)
	assert.Equal(t, "Drains", counters["sync_drains_total_status:ok"].Description)
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter("sync_operations_completed_total", 3, nil, "")
	registry.AddToCounter("sync_operations_completed_total", 4.5, nil, "")

	counters := registry.GetAllMetrics()["counters"].(map[string]Metric)
	assert.Equal(t, 7.5, counters["sync_operations_completed_total"].Value)
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	registry.RecordTimer("sync_drain_duration", 10*time.Millisecond, nil, "")
	registry.RecordTimer("sync_drain_duration", 30*time.Millisecond, nil, "")
	registry.RecordTimer("sync_drain_duration", 20*time.Millisecond, nil, "")

	timers := registry.GetAllMetrics()["timers"].(map[string]TimerMetric)
	timer := timers["sync_drain_duration"]
	assert.Equal(t, int64(3), timer.Count)
	assert.InDelta(t, 60.0, timer.Sum, 0.001)
	assert.InDelta(t, 10.0, timer.Min, 0.001)
	assert.InDelta(t, 30.0, timer.Max, 0.001)
	assert.InDelta(t, 20.0, timer.Average, 0.001)
	assert.Zero(t, timer.P95)
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge("sync_queue_pending", 12, nil, "Pending")
	registry.SetGauge("sync_queue_pending", 4, nil, "Pending")

	gauges := registry.GetAllMetrics()["gauges"].(map[string]Metric)
	assert.Equal(t, 4.0, gauges["sync_queue_pending"].Value)
	assert.Equal(t, Gauge, gauges["sync_queue_pending"].Type)
}

func TestRegistry_MetricKeyIsOrderIndependent(t *testing.T) {
	registry := NewRegistry()

	key := registry.metricKey("sync_http_request_duration", map[string]string{
		"path":   "/sync/batch",
		"method": "POST",
		"status": "200",
	})
	assert.Equal(t, "sync_http_request_duration_method:POST_path:/sync/batch_status:200", key)
	assert.Equal(t, "plain", registry.metricKey("plain", nil))
}

func TestRegistry_PercentileCalculation(t *testing.T) {
	registry := NewRegistry()

	for i := 100; i >= 1; i-- {
		registry.RecordTimer("latency", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics()["timers"].(map[string]TimerMetric)["latency"]
	assert.InDelta(t, 96.0, timer.P95, 0.001)
	assert.InDelta(t, 100.0, timer.P99, 0.001)

	assert.Zero(t, registry.calculatePercentile(nil, 0.5))
	assert.Equal(t, 3.0, registry.calculatePercentile([]float64{3, 1, 2}, 1.0))
}

func TestRegistry_SnapshotIsDetached(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter("c", nil, "")

	snapshot := registry.GetAllMetrics()
	registry.IncrementCounter("c", nil, "")

	assert.Equal(t, 1.0, snapshot["counters"].(map[string]Metric)["c"].Value)

	_, err := json.Marshal(snapshot)
	assert.NoError(t, err)
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				registry.IncrementCounter("concurrent", nil, "")
				registry.RecordTimer("concurrent_timer", time.Millisecond, nil, "")
				_ = registry.GetAllMetrics()
			}
		}()
	}
	wg.Wait()

	counters := registry.GetAllMetrics()["counters"].(map[string]Metric)
	assert.Equal(t, 1000.0, counters["concurrent"].Value)
}

func TestGlobalRegistry(t *testing.T) {
	IncrementCounter("global_test_counter", nil, "")
	AddToCounter("global_test_counter", 2, nil, "")
	SetGauge("global_test_gauge", 5, nil, "")
	RecordTimer("global_test_timer", time.Millisecond, nil, "")

	all := GetAllMetrics()
	assert.Equal(t, 3.0, all["counters"].(map[string]Metric)["global_test_counter"].Value)
	assert.Equal(t, 5.0, all["gauges"].(map[string]Metric)["global_test_gauge"].Value)
	assert.Equal(t, int64(1), all["timers"].(map[string]TimerMetric)["global_test_timer"].Count)
	assert.Same(t, globalRegistry, GetRegistry())
}

func TestCopyLabels(t *testing.T) {
	assert.Nil(t, copyLabels(nil))

	original := map[string]string{"collection": "tasks"}
	copied := copyLabels(original)
	copied["collection"] = "notes"
	assert.Equal(t, "tasks", original["collection"])
}
