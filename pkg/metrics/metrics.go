// Package metrics holds the prometheus collectors of the chat services.
// Each service builds its own registry and serves it on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Gateway counts realtime delivery and the two best-effort side paths.
type Gateway struct {
	Broadcasts        prometheus.Counter
	PublishFailures   prometheus.Counter
	BackplaneFailures prometheus.Counter
	SlowClients       prometheus.Counter
	Connections       prometheus.Gauge
}

func NewGateway(reg prometheus.Registerer) *Gateway {
	f := promauto.With(reg)
	return &Gateway{
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_gateway_broadcasts_total",
			Help: "Messages broadcast to local room members.",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_gateway_publish_failures_total",
			Help: "Messages dropped on the way to the message bus.",
		}),
		BackplaneFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_gateway_backplane_failures_total",
			Help: "Broadcasts that could not be published to the backplane.",
		}),
		SlowClients: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_gateway_slow_clients_total",
			Help: "Clients disconnected because their send buffer was full.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_gateway_connections",
			Help: "Open websocket connections.",
		}),
	}
}

// Persist results.
const (
	ResultStored     = "stored"
	ResultMalformed  = "malformed"
	ResultStoreError = "store_error"
)

// Persist counts persist consumer outcomes.
type Persist struct {
	Messages                  *prometheus.CounterVec
	CacheInvalidationFailures prometheus.Counter
}

func NewPersist(reg prometheus.Registerer) *Persist {
	f := promauto.With(reg)
	return &Persist{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_persist_messages_total",
			Help: "Deliveries handled by the persist consumer, by result.",
		}, []string{"result"}),
		CacheInvalidationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_cache_invalidation_failures_total",
			Help: "Stored messages whose history cache entry could not be invalidated.",
		}),
	}
}

// History cache results.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// History counts history cache lookups.
type History struct {
	CacheRequests *prometheus.CounterVec
}

func NewHistory(reg prometheus.Registerer) *History {
	f := promauto.With(reg)
	return &History{
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_history_cache_requests_total",
			Help: "History cache lookups, by result.",
		}, []string{"result"}),
	}
}
