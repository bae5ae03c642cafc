package statbuf

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EnvProduction is the environment designator that selects the local
// agent socket transport. Any other non-empty designator selects the
// network remote-write transport.
const EnvProduction = "production"

// Config defines the configuration for the aggregator
type Config struct {
	// Environment designator. Empty disables metrics collection
	// entirely; "production" selects the agent socket transport.
	Environment string

	// How often the ledger is flushed to the transport
	FlushInterval time.Duration

	// Network transport endpoint (non-production environments)
	RemoteWriteURL string

	// Local agent socket path (production)
	AgentSocketPath string

	// Transport overrides the environment-selected transport.
	// Mainly useful in tests.
	Transport Transport

	// Optional logger
	Logger *zap.Logger

	// DNS resolver options for the network transport (optional)
	DNSEnable       bool
	DNSCacheTTL     time.Duration
	DNSTimeout      time.Duration
	DNSUDPServers   []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers   []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// DefaultConfig returns a default configuration. The environment
// designator is read once from DEPLOY_ENV; it is not re-read later.
func DefaultConfig() Config {
	return Config{
		Environment:     os.Getenv("DEPLOY_ENV"),
		FlushInterval:   10 * time.Minute,
		RemoteWriteURL:  "http://localhost:9090/api/v1/write",
		AgentSocketPath: "/var/run/metrics-agent.sock",
	}
}

// MetricKind represents the kind of a metric
type MetricKind int

const (
	// Gauge is an absolute value at a point in time. The latest update
	// wins and flushes leave it intact.
	Gauge MetricKind = iota

	// Counter is a cumulative delta since the last flush. Updates sum
	// and every flush resets it to zero.
	Counter
)

// Metric is a single metric update
type Metric struct {
	Name  string
	Kind  MetricKind
	Value float64
	Tags  map[string]string
}

// Aggregator buffers metric updates in a ledger and flushes them to the
// transport on a fixed interval.
type Aggregator struct {
	config    Config
	ledger    *ledger
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	mutex     sync.Mutex
}

// New creates an aggregator for the configured environment.
//
// An empty Environment means metrics are disabled for this process: New
// logs a notice and returns (nil, nil). A nil *Aggregator is a valid
// handle whose Update and Stop are no-ops.
func New(config Config) (*Aggregator, error) {
	if config.Environment == "" {
		if config.Logger != nil {
			config.Logger.Info("metrics collection disabled, no environment designator")
		}
		return nil, nil
	}

	config.FlushInterval = pickDuration(config.FlushInterval, 10*time.Minute)

	transport := config.Transport
	mode := "override"
	if transport == nil {
		var err error
		if config.Environment == EnvProduction {
			mode = "agent socket"
			transport, err = newAgentTransport(config)
		} else {
			mode = "remote write"
			transport, err = newNetworkTransport(config)
		}
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	agg := &Aggregator{
		config:    config,
		ledger:    newLedger(),
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}

	if config.Logger != nil {
		config.Logger.Info("metrics aggregator created",
			zap.String("environment", config.Environment),
			zap.String("transport", mode),
			zap.Duration("flush_interval", config.FlushInterval))
	}
	return agg, nil
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Start launches the background flush loop. Calling Start more than once
// has no effect.
func (a *Aggregator) Start() {
	if a == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.started {
		return
	}
	a.started = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.config.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the flush loop and waits for it to exit. Buffered
// values that have not been flushed yet are dropped. Safe to call on a
// nil or never-started aggregator, and safe to call twice.
func (a *Aggregator) Stop() {
	if a == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
}

// Update merges a batch of metric updates into the ledger. The batch
// keys are a caller-side grouping convenience and are discarded; each
// update is keyed by its own Name and Tags. Update never blocks on the
// transport and never fails. On a nil (disabled) handle it is a no-op.
func (a *Aggregator) Update(batch map[string]Metric) {
	if a == nil {
		return
	}
	for _, m := range batch {
		a.ledger.merge(m.Name, m.Kind, m.Value, m.Tags)
	}
}

// Flush drains the ledger and reports every entry to the transport once.
// Normally driven by the background timer; exposed for tests and for a
// final flush before shutdown.
//
// A failed emit is logged and skipped; it never aborts the rest of the
// pass. The failed counter's window value is gone either way, since
// counters are zeroed when the ledger is drained.
func (a *Aggregator) Flush() {
	if a == nil {
		return
	}

	for _, item := range a.ledger.drain() {
		ctx, cancel := context.WithTimeout(a.ctx, 15*time.Second)

		var err error
		if item.kind == Counter {
			err = a.transport.EmitCount(ctx, item.name, item.value, item.tags)
		} else {
			err = a.transport.EmitGauge(ctx, item.name, item.value, item.tags)
		}
		cancel()

		if err != nil && a.config.Logger != nil {
			a.config.Logger.Warn("failed to emit metric",
				zap.String("name", item.name),
				zap.Error(err))
		}
	}
}
