package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "result_cache_hits_total",
		Help: "Result cache lookups that found a live entry",
	}, []string{"backend"})
	cacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "result_cache_misses_total",
		Help: "Result cache lookups that found nothing or an expired entry",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(cacheHitsTotal, cacheMissesTotal)
}
