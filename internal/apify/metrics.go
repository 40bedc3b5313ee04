package apify

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apify_requests_total",
		Help: "Requests sent to the Apify API by endpoint and response code",
	}, []string{"endpoint", "code"})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apify_request_duration_seconds",
		Help:    "Latency of requests sent to the Apify API",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	statusPollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apify_status_polls_total",
		Help: "Total number of run status polls",
	})
	runsDeduplicatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apify_runs_deduplicated_total",
		Help: "RunJob calls that shared an in-flight run instead of starting a new one",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, statusPollsTotal, runsDeduplicatedTotal)
}
