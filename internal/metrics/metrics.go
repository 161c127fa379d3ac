// Package metrics holds the Prometheus collectors shared by the REST and
// gateway layers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	restRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cordkit_rest_requests_total",
		Help: "REST requests sent, by method and response status",
	}, []string{"method", "status"})

	restRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cordkit_rest_rate_limited_total",
		Help: "429 responses received, by scope",
	}, []string{"scope"})

	restRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cordkit_rest_retries_total",
		Help: "REST commands re-enqueued for another attempt, by reason",
	}, []string{"reason"})

	restInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cordkit_rest_in_flight",
		Help: "REST requests currently on the wire",
	})

	restBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cordkit_rest_buckets",
		Help: "Rate limit buckets currently tracked",
	})

	gatewayReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cordkit_gateway_reconnects_total",
		Help: "Gateway reconnects, by shard and whether a resume was attempted",
	}, []string{"shard", "resume"})

	gatewayState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cordkit_gateway_state",
		Help: "Current gateway session state per shard (see gateway.State)",
	}, []string{"shard"})

	gatewayHeartbeatLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cordkit_gateway_heartbeat_latency_seconds",
		Help:    "Time between a heartbeat and its ack",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"shard"})
)

func init() {
	prometheus.MustRegister(
		restRequests,
		restRateLimited,
		restRetries,
		restInFlight,
		restBuckets,
		gatewayReconnects,
		gatewayState,
		gatewayHeartbeatLatency,
	)
}

func RESTRequest(method string, status int) {
	restRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func RESTRateLimited(scope string) {
	if scope == "" {
		scope = "bucket"
	}
	restRateLimited.WithLabelValues(scope).Inc()
}

func RESTRetry(reason string) {
	restRetries.WithLabelValues(reason).Inc()
}

func RESTInFlight(delta int) {
	restInFlight.Add(float64(delta))
}

func RESTBuckets(n int) {
	restBuckets.Set(float64(n))
}

func GatewayReconnect(shard int, resume bool) {
	gatewayReconnects.WithLabelValues(strconv.Itoa(shard), strconv.FormatBool(resume)).Inc()
}

func GatewayState(shard int, state int) {
	gatewayState.WithLabelValues(strconv.Itoa(shard)).Set(float64(state))
}

func GatewayHeartbeatLatency(shard int, d time.Duration) {
	gatewayHeartbeatLatency.WithLabelValues(strconv.Itoa(shard)).Observe(d.Seconds())
}

// Handler serves the default registry, for mounting on an existing mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
