package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decryptSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_decrypt_skips_total",
		Help: "Log units skipped on read because they failed to decrypt",
	})
	malformedSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_malformed_skips_total",
		Help: "Log units skipped on read because they were not valid records",
	})
)
