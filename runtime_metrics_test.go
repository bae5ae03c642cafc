package statbuf

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSamplerBatch(t *testing.T) {
	sampler := NewRuntimeSampler()
	batch := sampler.Batch()

	byName := make(map[string]Metric, len(batch))
	for _, m := range batch {
		byName[m.Name] = m
	}

	heap, ok := byName["memory_heap_alloc_bytes"]
	require.True(t, ok)
	assert.Equal(t, Gauge, heap.Kind)
	assert.Greater(t, heap.Value, float64(0))

	goroutines, ok := byName["goroutines_num"]
	require.True(t, ok)
	assert.Equal(t, Gauge, goroutines.Kind)
	assert.GreaterOrEqual(t, goroutines.Value, float64(1))

	gcRuns, ok := byName["gc_runs_total"]
	require.True(t, ok)
	assert.Equal(t, Counter, gcRuns.Kind)
}

func TestRuntimeSamplerGCDeltas(t *testing.T) {
	sampler := NewRuntimeSampler()
	sampler.Batch()

	runtime.GC()
	batch := sampler.Batch()

	var gcRuns Metric
	for _, m := range batch {
		if m.Name == "gc_runs_total" {
			gcRuns = m
		}
	}
	assert.GreaterOrEqual(t, gcRuns.Value, float64(1), "forced GC must show up as a delta")
}

func TestRuntimeSamplerFeedsAggregator(t *testing.T) {
	transport := &recordingTransport{}
	agg, err := New(Config{
		Environment:   "test",
		FlushInterval: time.Hour,
		Transport:     transport,
	})
	require.NoError(t, err)
	defer agg.Stop()

	sampler := NewRuntimeSampler()
	agg.Update(sampler.Batch())
	agg.Update(sampler.Batch())
	agg.Flush()

	// One series per distinct metric regardless of sample count.
	names := make(map[string]int)
	for _, g := range transport.gaugeEmits() {
		names[g.name]++
	}
	for _, c := range transport.countEmits() {
		names[c.name]++
	}
	assert.Equal(t, 1, names["memory_heap_alloc_bytes"])
	assert.Equal(t, 1, names["gc_runs_total"])
	assert.GreaterOrEqual(t, len(names), 7)
}
