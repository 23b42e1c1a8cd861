package coi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	findingChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coigraph_finding_changes_total",
		Help: "Total number of committed finding changes by delta type",
	}, []string{"type"})

	activeFindings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coigraph_active_findings",
		Help: "Number of active findings by category",
	}, []string{"category"})

	pipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coigraph_pipeline_duration_seconds",
		Help:    "Match, score, explain and commit latency by mode",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	}, []string{"mode"})
)
