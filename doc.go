// Package statbuf is an in-process metrics aggregation buffer.
//
// Producers push small, often repeated metric updates; statbuf merges
// them into an in-memory ledger keyed by metric identity (name plus
// tag set) and reports the ledger to a downstream collector on a fixed
// interval, turning O(events) transport calls into O(unique metrics)
// per flush.
//
// Counters accumulate deltas and reset to zero after every flush;
// gauges keep their latest value and are left intact by flushes. Tag
// maps with the same contents always resolve to the same metric
// regardless of insertion order.
//
// Basic usage:
//
//	agg, err := statbuf.Init(statbuf.Config{
//	  Environment:    "staging",
//	  RemoteWriteURL: "http://prometheus:9090/api/v1/write",
//	  FlushInterval:  time.Minute,
//	  Logger:         logger,
//	})
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer statbuf.Shutdown()
//
//	statbuf.Update(map[string]statbuf.Metric{
//	  "reqs": {Name: "requests_total", Kind: statbuf.Counter, Value: 1},
//	  "depth": {Name: "queue_depth", Kind: statbuf.Gauge, Value: 4,
//	    Tags: map[string]string{"shard": "1"}},
//	})
//
// With an empty Environment, Init returns a nil handle and every
// operation on it is a no-op: metrics are disabled for the process. In
// production mode (Environment "production") values are written to a
// local metrics agent over a unix socket instead of the network
// endpoint.
//
// The returned *Aggregator can also be constructed directly with New
// and owned explicitly; Init only adds the at-most-one-per-process
// guarantee.
package statbuf
