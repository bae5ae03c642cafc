package statbuf

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// RuntimeSampler produces batches of Go runtime and process metrics
// shaped for Update. Memory, goroutine, RSS and file descriptor figures
// are gauges; GC activity is reported as counter deltas since the
// previous Batch call, so repeated sampling aggregates correctly.
type RuntimeSampler struct {
	lastNumGC   uint32
	lastPauseNs uint64
}

func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{}
}

// Batch samples the runtime and returns one update batch.
func (s *RuntimeSampler) Batch() map[string]Metric {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	gcRuns := ms.NumGC - s.lastNumGC
	gcPause := ms.PauseTotalNs - s.lastPauseNs
	s.lastNumGC = ms.NumGC
	s.lastPauseNs = ms.PauseTotalNs

	batch := map[string]Metric{
		"heap_alloc":  {Name: "memory_heap_alloc_bytes", Kind: Gauge, Value: float64(ms.HeapAlloc)},
		"heap_inuse":  {Name: "memory_heap_inuse_bytes", Kind: Gauge, Value: float64(ms.HeapInuse)},
		"sys":         {Name: "memory_sys_bytes", Kind: Gauge, Value: float64(ms.Sys)},
		"stack_inuse": {Name: "memory_stack_inuse_bytes", Kind: Gauge, Value: float64(ms.StackInuse)},
		"goroutines":  {Name: "goroutines_num", Kind: Gauge, Value: float64(runtime.NumGoroutine())},
		"gc_runs":     {Name: "gc_runs_total", Kind: Counter, Value: float64(gcRuns)},
		"gc_pause":    {Name: "gc_pause_total_ns", Kind: Counter, Value: float64(gcPause)},
	}

	if rss := processRSS(); rss > 0 {
		batch["rss"] = Metric{Name: "memory_rss_bytes", Kind: Gauge, Value: float64(rss)}
	}
	if fds := openFileDescriptors(); fds > 0 {
		batch["fds"] = Metric{Name: "file_descriptors_num", Kind: Gauge, Value: float64(fds)}
	}
	return batch
}

// processRSS reads the resident set size from /proc on Linux, 0 elsewhere.
func processRSS() uint64 {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return kb * 1024
			}
		}
	}
	return 0
}

// openFileDescriptors counts entries in /proc/self/fd on Linux, 0 elsewhere.
func openFileDescriptors() uint64 {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	return uint64(len(entries))
}
