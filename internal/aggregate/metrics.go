package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "records_merged_total",
		Help:      "Result records folded into the aggregate tree, by outcome.",
	}, []string{"outcome"})
	metricMergeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "merge_failures_total",
		Help:      "Records rejected because the journal could not be written.",
	})
	metricBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolsweep",
		Name:      "aggregate_buckets",
		Help:      "Number of buckets in the in-memory aggregate tree.",
	})
	metricFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "toolsweep",
		Name:      "flush_duration_seconds",
		Help:      "Time spent persisting aggregate snapshots, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	metricFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "flush_failures_total",
		Help:      "Flushes that failed after exhausting retries.",
	})
)
