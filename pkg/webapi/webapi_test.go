package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/couchbase/stellar-grid/grid"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *grid.Grid) {
	g, err := grid.New(grid.Options{
		Metrics: metrics.NewGridMetrics(noop.NewMeterProvider().Meter("test")),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, g.Affinity().IsStarted, time.Second, time.Millisecond)

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	w := NewWebServer(WebServerOptions{
		Node:           g,
		LogLevel:       &level,
		MetricsHandler: http.NotFoundHandler(),
	})

	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)

	return srv, g
}

func getJSON(t *testing.T, url string, out interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndTopology(t *testing.T) {
	srv, _ := newTestServer(t)

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["affinityStarted"])

	var topo jsonTopology
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/topology", &topo))
	assert.Equal(t, 1, topo.NumSegments)
	assert.Equal(t, []consistenthash.Address{consistenthash.LocalModeAddress}, topo.Members)
}

func TestLocality(t *testing.T) {
	srv, _ := newTestServer(t)

	var body struct {
		Key          string                   `json:"key"`
		Local        bool                     `json:"local"`
		PrimaryOwner consistenthash.Address   `json:"primaryOwner"`
		Owners       []consistenthash.Address `json:"owners"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/locality/some-key", &body))
	assert.Equal(t, "some-key", body.Key)
	assert.True(t, body.Local)
	assert.Equal(t, consistenthash.LocalModeAddress, body.PrimaryOwner)
	assert.Len(t, body.Owners, 1)
}

func TestServices(t *testing.T) {
	srv, g := newTestServer(t)

	reg, err := g.Registry().Register(context.Background(), "search")
	require.NoError(t, err)
	defer reg.Close(context.Background())

	var services []string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/services", &services))
	assert.Equal(t, []string{"search"}, services)

	var providers struct {
		Service   string                   `json:"service"`
		Providers []consistenthash.Address `json:"providers"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/services/search", &providers))
	assert.Equal(t, []consistenthash.Address{consistenthash.LocalModeAddress}, providers.Providers)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/services/unknown", &providers))
	assert.Empty(t, providers.Providers)
}

func TestAffinity(t *testing.T) {
	srv, g := newTestServer(t)

	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/affinity/"+url.PathEscape(string(g.LocalAddress())), &body))
	assert.NotEmpty(t, body["key"])

	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/affinity/stranger", &body))
	assert.Contains(t, body["error"], "stranger")
}

func TestLogLevel(t *testing.T) {
	srv, _ := newTestServer(t)

	var level map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/log-level", &level))
	assert.Equal(t, "info", level["level"])
}
