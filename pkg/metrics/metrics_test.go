package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayCounters(t *testing.T) {
	reg := NewRegistry()
	g := NewGateway(reg)

	g.Broadcasts.Inc()
	g.Broadcasts.Inc()
	g.Connections.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(g.Broadcasts))
	assert.Equal(t, 3.0, testutil.ToFloat64(g.Connections))
}

func TestPersistAndHistoryVectors(t *testing.T) {
	reg := NewRegistry()
	p := NewPersist(reg)
	h := NewHistory(reg)

	p.Messages.WithLabelValues(ResultStored).Inc()
	p.Messages.WithLabelValues(ResultMalformed).Inc()
	h.CacheRequests.WithLabelValues(ResultHit).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Messages.WithLabelValues(ResultStored)))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.Messages.WithLabelValues(ResultStoreError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.CacheRequests.WithLabelValues(ResultHit)))
}

func TestHandlerExposesRegistry(t *testing.T) {
	reg := NewRegistry()
	NewHistory(reg).CacheRequests.WithLabelValues(ResultMiss).Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `chat_history_cache_requests_total{result="miss"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
