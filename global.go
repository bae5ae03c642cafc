package statbuf

import "sync"

// Process-wide aggregator instance. Guarded by a mutex rather than
// sync.Once: a disabled-mode Init must leave the gate open so a later
// call with an environment designator can still initialize.
var (
	globalMutex      sync.Mutex
	globalAggregator *Aggregator
)

// Init initializes the process-wide aggregator and starts its flush
// timer. The first successful call constructs the instance; every later
// call returns the same handle with no side effects, so at most one
// flush timer exists per process.
//
// With an empty Environment, Init returns (nil, nil) and the process
// stays uninitialized: metrics collection is disabled, which is a valid
// mode and not an error.
func Init(config Config) (*Aggregator, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalAggregator != nil {
		return globalAggregator, nil
	}

	agg, err := New(config)
	if err != nil || agg == nil {
		return nil, err
	}
	agg.Start()

	globalAggregator = agg
	return agg, nil
}

// Update merges a batch into the process-wide aggregator. A no-op when
// Init has not run or ran in disabled mode.
func Update(batch map[string]Metric) {
	current().Update(batch)
}

// Flush immediately reports the process-wide aggregator's ledger to the
// transport, outside the regular timer. Useful before shutdown and in
// health checks.
func Flush() {
	current().Flush()
}

// Shutdown stops the process-wide aggregator's flush timer and clears
// the instance so a later Init can construct a fresh one.
func Shutdown() {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalAggregator != nil {
		globalAggregator.Stop()
		globalAggregator = nil
	}
}

func current() *Aggregator {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	return globalAggregator
}
