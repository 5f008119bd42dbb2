package redact

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ruleTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_redaction_timeouts_total",
		Help: "String values withheld because a redaction rule exceeded its time bound",
	}, []string{"rule"})

	rulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_redaction_rules_active",
		Help: "Number of enabled redaction rules",
	})
)
