package transcode

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audioingest_transcode_jobs_total",
		Help: "Transcode deliveries by outcome",
	}, []string{"outcome"})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audioingest_transcode_duration_seconds",
		Help:    "Time spent handling one delivery",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audioingest_transcode_active_jobs",
		Help: "Deliveries currently being processed",
	})
)

// Outcomes recorded in audioingest_transcode_jobs_total.
const (
	outcomeTranscoded = "transcoded"
	outcomeDuplicate  = "duplicate"
	outcomeVanished   = "vanished"
	outcomeRetried    = "retried"
	outcomeFailed     = "failed"
	outcomeDropped    = "dropped"
	outcomeRequeued   = "requeued"
)
