package statbuf

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"
)

// Transport delivers one aggregated value to the downstream collector.
// Delivery is fire-and-forget from the aggregator's perspective; a
// returned error only marks the value as lost for this cycle.
type Transport interface {
	// EmitGauge reports the current value of a gauge.
	EmitGauge(ctx context.Context, name string, value float64, tags map[string]string) error

	// EmitCount reports the delta accumulated by a counter since the
	// previous flush.
	EmitCount(ctx context.Context, name string, delta float64, tags map[string]string) error
}

// remoteWriteTransport sends each metric as a Prometheus remote-write
// time series. In network mode it posts to an HTTP(S) endpoint and can
// refresh the endpoint's DNS on failure; in agent mode it posts over a
// unix domain socket to a local collector and DNS never applies.
type remoteWriteTransport struct {
	endpoint   string
	host       string // hostname of the endpoint, "" for agent mode
	httpClient *http.Client
	resolver   *resolver
	logger     *zap.Logger

	mutex  sync.Mutex
	client *promwrite.Client
}

// newNetworkTransport builds the default transport posting to the
// configured remote-write URL.
func newNetworkTransport(config Config) (*remoteWriteTransport, error) {
	if config.RemoteWriteURL == "" {
		return nil, fmt.Errorf("remote write URL cannot be empty")
	}
	u, err := url.Parse(config.RemoteWriteURL)
	if err != nil {
		return nil, fmt.Errorf("parsing remote write URL: %w", err)
	}

	t := &remoteWriteTransport{
		endpoint: config.RemoteWriteURL,
		logger:   config.Logger,
		client:   promwrite.NewClient(config.RemoteWriteURL),
	}

	// DNS refresh only makes sense for a hostname endpoint.
	if host := u.Hostname(); host != "" && net.ParseIP(host) == nil {
		t.host = host
		t.resolver = newResolver(config)
	}
	return t, nil
}

// newAgentTransport builds the production transport posting to a metrics
// agent listening on a local unix socket.
func newAgentTransport(config Config) (*remoteWriteTransport, error) {
	if config.AgentSocketPath == "" {
		return nil, fmt.Errorf("agent socket path cannot be empty")
	}

	socketPath := config.AgentSocketPath
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	// The URL host is a placeholder; the dialer always connects to the
	// socket.
	endpoint := "http://agent/api/v1/write"
	return &remoteWriteTransport{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     config.Logger,
		client:     promwrite.NewClient(endpoint, promwrite.HttpClient(httpClient)),
	}, nil
}

// EmitGauge implements Transport
func (t *remoteWriteTransport) EmitGauge(ctx context.Context, name string, value float64, tags map[string]string) error {
	return t.write(ctx, name, value, tags)
}

// EmitCount implements Transport
func (t *remoteWriteTransport) EmitCount(ctx context.Context, name string, delta float64, tags map[string]string) error {
	return t.write(ctx, name, delta, tags)
}

func (t *remoteWriteTransport) write(ctx context.Context, name string, value float64, tags map[string]string) error {
	labels := make([]promwrite.Label, 0, 1+len(tags))
	labels = append(labels, promwrite.Label{Name: "__name__", Value: name})
	for k, v := range tags {
		labels = append(labels, promwrite.Label{Name: k, Value: v})
	}

	req := &promwrite.WriteRequest{
		TimeSeries: []promwrite.TimeSeries{{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  time.Now(),
				Value: value,
			},
		}},
	}

	_, err := t.currentClient().Write(ctx, req)
	if err == nil {
		return nil
	}

	// The endpoint may have moved; force a DNS refresh and retry once
	// with a fresh client.
	if t.refreshEndpoint(ctx) {
		if _, retryErr := t.currentClient().Write(ctx, req); retryErr == nil {
			return nil
		}
	}
	return fmt.Errorf("writing %q failed: %w", name, err)
}

func (t *remoteWriteTransport) currentClient() *promwrite.Client {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.client
}

// refreshEndpoint re-resolves the endpoint host and rebuilds the client
// when the address set changed. Returns whether a retry is worthwhile.
func (t *remoteWriteTransport) refreshEndpoint(ctx context.Context) bool {
	if t.resolver == nil {
		return false
	}

	ips, changed, err := t.resolver.refresh(ctx, t.host, true)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("DNS refresh failed", zap.String("host", t.host), zap.Error(err))
		}
		return false
	}
	if !changed {
		return false
	}

	t.mutex.Lock()
	t.client = promwrite.NewClient(t.endpoint)
	t.mutex.Unlock()

	if t.logger != nil {
		t.logger.Info("rebuilt remote write client after DNS update",
			zap.String("host", t.host), zap.Strings("ips", ips))
	}
	return true
}
