package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capture_upstream_latency_seconds",
		Help:    "Time from forwarding a request to the end of the upstream response",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_upstream_errors_total",
		Help: "Upstream calls that failed, by provider and kind",
	}, []string{"provider", "kind"})

	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_breaker_rejections_total",
		Help: "Requests refused because the provider circuit breaker was open",
	}, []string{"provider"})

	inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_inflight_exchanges",
		Help: "Exchanges currently being relayed",
	})
)
