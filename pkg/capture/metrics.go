package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_records_written_total",
		Help: "Capture records appended to the log",
	}, []string{"provider", "source"})

	recordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_records_skipped_total",
		Help: "Exchanges not recorded because capture was disabled",
	})

	writeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_log_write_failures_total",
		Help: "Capture records lost because the log append failed",
	})

	hookIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_hook_ignored_total",
		Help: "Hook exchanges ignored because they did not look like model calls",
	})

	feedDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_feed_drops_total",
		Help: "Live feed events dropped for slow subscribers",
	})

	recordTokens = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capture_record_tokens",
		Help:    "Tokens reported per captured exchange",
		Buckets: []float64{1, 10, 50, 100, 500, 1_000, 2_000, 4_000, 8_000, 16_000},
	}, []string{"direction"})
)
