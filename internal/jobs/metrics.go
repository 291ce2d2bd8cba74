package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_jobs_created_total",
		Help: "Total number of jobs created",
	})
	JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_jobs_active",
		Help: "Number of jobs currently holding execution resources",
	})
	JobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	})
	JobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_jobs_failed_total",
		Help: "Total number of jobs failed",
	})
	JobsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_jobs_cancelled_total",
		Help: "Total number of jobs cancelled (user, timeout or shutdown)",
	})
	JobsTimedOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_jobs_timed_out_total",
		Help: "Total number of jobs cancelled by the job timeout timer",
	})
)

func init() {
	prometheus.MustRegister(
		JobsCreatedTotal,
		JobsActive,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsCancelledTotal,
		JobsTimedOutTotal,
	)
}
