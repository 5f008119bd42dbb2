package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_http_requests_total",
		Help: "HTTP requests served, by method and status",
	}, []string{"method", "status"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capture_http_request_duration_seconds",
		Help:    "Time to serve an HTTP request, including streamed bodies",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_rate_limited_total",
		Help: "Requests refused by the rate limiter",
	}, []string{"limiter"})
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_admin_auth_failures_total",
		Help: "Control-plane requests with a wrong admin key",
	})
)
