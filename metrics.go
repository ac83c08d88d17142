package myquery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "myquery"

type metrics struct {
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheInserts       prometheus.Counter
	cachePromotions    prometheus.Counter
	cacheEvictions     prometheus.Counter
	cacheInvalidations prometheus.Counter
	cacheBytes         prometheus.Gauge
	cacheEntries       prometheus.Gauge
	trials             prometheus.Counter
	replans            prometheus.Counter
	killedOps          prometheus.Counter
	queryDuration      *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "hits_total",
			Help:      "Lookups that found an active cached plan.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "misses_total",
			Help:      "Lookups that found no entry or an inactive entry.",
		}),
		cacheInserts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "inserts_total",
			Help:      "Entries created or reset by a trial outcome.",
		}),
		cachePromotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "promotions_total",
			Help:      "Inactive entries promoted to active.",
		}),
		cacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "evictions_total",
			Help:      "Entries evicted to stay within the byte budget.",
		}),
		cacheInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "invalidations_total",
			Help:      "Entries removed by catalog changes or explicit clears.",
		}),
		cacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "size_bytes",
			Help:      "Estimated size of the plan cache.",
		}),
		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "plan_cache",
			Name:      "entries",
			Help:      "Number of cached plans.",
		}),
		trials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "planner",
			Name:      "trials_total",
			Help:      "Multi plan trials run.",
		}),
		replans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "planner",
			Name:      "replans_total",
			Help:      "Cached plans discarded after a runtime failure.",
		}),
		killedOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ops",
			Name:      "killed_total",
			Help:      "Operations killed by KillOp.",
		}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "query_duration_seconds",
			Help:      "Time spent planning and executing queries.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"collection", "op"}),
	}
}
