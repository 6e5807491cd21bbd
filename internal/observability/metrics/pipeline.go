package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_claimed_total",
		Help:      "Jobs claimed by workers, by plugin type and queue partition.",
	}, []string{"type", "partition"})
	jobsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_released_total",
		Help:      "Jobs released by workers, by plugin type and result.",
	}, []string{"type", "result"})
	datasetsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datasets_completed_total",
		Help:      "Datasets that reached a terminal state, by plugin type and outcome.",
	}, []string{"type", "outcome"})
	processorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processor_duration_seconds",
		Help:      "Wall-clock duration of processor runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"type"})
	activeWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Workers currently executing a job, by plugin type.",
	}, []string{"type"})
	orphansReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_reclaimed_total",
		Help:      "Job claims released because their heartbeat expired.",
	})
)

func init() {
	registry.MustRegister(jobsClaimed, jobsReleased, datasetsCompleted, processorDuration, activeWorkers, orphansReclaimed)
}

// ObserveJobClaimed counts a successful claim.
func ObserveJobClaimed(jobType, partition string) {
	jobsClaimed.WithLabelValues(jobType, partition).Inc()
}

// ObserveJobReleased counts a release with the given result label.
func ObserveJobReleased(jobType, result string) {
	jobsReleased.WithLabelValues(jobType, result).Inc()
}

// ObserveDataset records a processor run that ended with outcome.
func ObserveDataset(pluginType, outcome string, duration time.Duration) {
	datasetsCompleted.WithLabelValues(pluginType, outcome).Inc()
	processorDuration.WithLabelValues(pluginType).Observe(duration.Seconds())
}

// WorkerBusy marks one worker of pluginType as busy and returns the matching release func.
func WorkerBusy(pluginType string) func() {
	g := activeWorkers.WithLabelValues(pluginType)
	g.Inc()
	return g.Dec
}

// ObserveOrphans counts reclaimed claims.
func ObserveOrphans(n int) {
	if n > 0 {
		orphansReclaimed.Add(float64(n))
	}
}
