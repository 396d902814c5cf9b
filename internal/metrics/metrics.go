// Package metrics exposes the Prometheus collectors for the control
// plane. The collector owns a private registry so tests and embedded
// servers never collide on global state.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every metric the server records.
type Collector struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	wsConnections prometheus.Gauge
	wsMessages    *prometheus.CounterVec
	rpcCalls      *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	downloadBytes prometheus.Counter
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printhub_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "printhub_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printhub_websocket_connections",
			Help: "Currently open websocket connections.",
		}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printhub_websocket_messages_total",
			Help: "WebSocket messages, by direction.",
		}, []string{"direction"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printhub_rpc_calls_total",
			Help: "JSON-RPC payloads dispatched, by transport.",
		}, []string{"transport"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printhub_upload_bytes_total",
			Help: "Bytes received through file uploads.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printhub_download_bytes_total",
			Help: "Bytes served from file roots.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests,
		c.httpDuration,
		c.wsConnections,
		c.wsMessages,
		c.rpcCalls,
		c.uploadBytes,
		c.downloadBytes,
	)
	return c
}

// Handler returns the /metrics endpoint handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest counts one served request.
func (c *Collector) RecordHTTPRequest(method string, code int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ConnectionOpened tracks a websocket connection being established.
func (c *Collector) ConnectionOpened() {
	c.wsConnections.Inc()
}

// ConnectionClosed tracks a websocket connection going away.
func (c *Collector) ConnectionClosed() {
	c.wsConnections.Dec()
}

// RecordWSMessage counts a websocket message. Direction is "in" or "out".
func (c *Collector) RecordWSMessage(direction string) {
	c.wsMessages.WithLabelValues(direction).Inc()
}

// RecordRPCCall counts a dispatched RPC payload.
func (c *Collector) RecordRPCCall(transport string) {
	c.rpcCalls.WithLabelValues(transport).Inc()
}

// RecordUploadBytes accumulates upload volume.
func (c *Collector) RecordUploadBytes(n int64) {
	if n > 0 {
		c.uploadBytes.Add(float64(n))
	}
}

// RecordDownloadBytes accumulates download volume.
func (c *Collector) RecordDownloadBytes(n int64) {
	if n > 0 {
		c.downloadBytes.Add(float64(n))
	}
}
