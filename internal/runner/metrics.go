package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricShards = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "shards_total",
		Help:      "Shards executed, by credential.",
	}, []string{"credential"})
	metricUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "units_total",
		Help:      "Test units finished, by outcome and error category.",
	}, []string{"outcome", "category"})
	metricUnitsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "units_dropped_total",
		Help:      "Units abandoned unrecorded because their sweep was cancelled.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "unit_retries_total",
		Help:      "Executor attempts that failed and were retried or exhausted.",
	})
	metricAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolsweep",
		Name:      "executor_abandoned_total",
		Help:      "Executor calls still running when their deadline passed.",
	})
	metricShardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "toolsweep",
		Name:      "shard_duration_seconds",
		Help:      "Wall time per shard.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"credential"})
	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "toolsweep",
		Name:      "queue_depth",
		Help:      "Shards waiting per credential.",
	}, []string{"credential"})
	metricBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "toolsweep",
		Name:      "worker_busy",
		Help:      "1 while a credential's worker is executing a shard.",
	}, []string{"credential"})
)
