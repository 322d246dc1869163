package scoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recomputations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_score_recomputations_total",
	Help: "Number of score recomputations, by subject kind",
}, []string{"kind"})

var recomputeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_score_recompute_failures_total",
	Help: "Number of score recomputations that failed after all retries, by subject kind",
}, []string{"kind"})

var recomputeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_score_recompute_retries_total",
	Help: "Number of score recomputation retries, by subject kind",
}, []string{"kind"})

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_score_cache_hits_total",
	Help: "Number of score reads served from cache",
}, []string{"kind"})

var cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_score_cache_misses_total",
	Help: "Number of score reads that went to the database",
}, []string{"kind"})
