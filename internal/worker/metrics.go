package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adventure_jobs_submitted_total",
		Help: "Total number of story generation jobs accepted.",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adventure_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal status, partitioned by status and error kind.",
	}, []string{"status", "kind"})
	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adventure_jobs_in_flight",
		Help: "Number of jobs currently being processed by this instance.",
	})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adventure_job_duration_seconds",
		Help:    "Time from claim to terminal status.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
