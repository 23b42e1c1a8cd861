package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coigraph_evaluations_total",
		Help: "Total number of rule evaluations by mode and outcome",
	}, []string{"mode", "outcome"})

	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coigraph_evaluation_duration_seconds",
		Help:    "Rule evaluation latency by mode",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"mode"})

	startEntities = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coigraph_evaluation_start_entities",
		Help:    "Number of start entities searched per evaluation",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"mode"})

	matchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coigraph_candidate_matches_total",
		Help: "Total number of candidate matches emitted per rule",
	}, []string{"rule"})
)
