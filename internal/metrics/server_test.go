package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmgrid/meshcoord/internal/mesh"
)

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(0, nil, zerolog.Nop())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(0, nil, zerolog.Nop())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	status := mesh.NetworkStatus{
		Metrics: mesh.MeshMetrics{NodeCount: 2, EdgeCount: 1, ComputedAt: time.Now()},
	}
	s := NewServer(0, func() mesh.NetworkStatus { return status }, zerolog.Nop())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got mesh.NetworkStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got.Metrics.NodeCount)
	assert.Equal(t, 1, got.Metrics.EdgeCount)
}

func TestStatusDisabledWithoutProvider(t *testing.T) {
	s := NewServer(0, nil, zerolog.Nop())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
