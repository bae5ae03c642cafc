package statbuf

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkTransportEmit(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport, err := newNetworkTransport(Config{RemoteWriteURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, transport.EmitGauge(ctx, "queue_depth", 7, map[string]string{"shard": "1"}))
	require.NoError(t, transport.EmitCount(ctx, "requests_total", 5, nil))
	assert.Equal(t, int64(2), requests.Load())
}

func TestNetworkTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	transport, err := newNetworkTransport(Config{RemoteWriteURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = transport.EmitCount(ctx, "requests_total", 5, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requests_total")
}

func TestNetworkTransportValidation(t *testing.T) {
	_, err := newNetworkTransport(Config{})
	require.Error(t, err)

	// An IP endpoint gets no DNS resolver.
	transport, err := newNetworkTransport(Config{RemoteWriteURL: "http://10.0.0.1:9090/api/v1/write"})
	require.NoError(t, err)
	assert.Nil(t, transport.resolver)
	assert.Empty(t, transport.host)

	// A hostname endpoint does.
	transport, err = newNetworkTransport(Config{RemoteWriteURL: "http://prom.internal:9090/api/v1/write"})
	require.NoError(t, err)
	assert.NotNil(t, transport.resolver)
	assert.Equal(t, "prom.internal", transport.host)
}

func TestAgentTransportOverUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	var requests atomic.Int64
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})}
	go server.Serve(listener)
	defer server.Close()

	transport, err := newAgentTransport(Config{AgentSocketPath: socketPath})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, transport.EmitCount(ctx, "requests_total", 3, nil))
	assert.Equal(t, int64(1), requests.Load())
}

func TestAgentTransportValidation(t *testing.T) {
	_, err := newAgentTransport(Config{})
	require.Error(t, err)
}

func TestAgentTransportSocketMissing(t *testing.T) {
	transport, err := newAgentTransport(Config{
		AgentSocketPath: filepath.Join(t.TempDir(), "missing.sock"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, transport.EmitGauge(ctx, "queue_depth", 1, nil))
}
