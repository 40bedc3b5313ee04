package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RunsQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_queued_total",
		Help: "Total number of runs queued",
	})
	RunsInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runs_in_progress",
		Help: "Number of runs currently submitted, polling or fetching",
	})
	RunsSucceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_succeeded_total",
		Help: "Total number of runs that returned a dataset",
	})
	RunsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runs_failed_total",
		Help: "Total number of failed runs by error kind",
	}, []string{"kind"})
	RunsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_cancelled_total",
		Help: "Total number of runs cancelled by a caller",
	})
	RunsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runs_active",
		Help: "Number of runs queued or in progress",
	})
)

func init() {
	prometheus.MustRegister(RunsQueuedTotal, RunsInProgress, RunsSucceededTotal, RunsFailedTotal, RunsCancelledTotal, RunsActive)
}
