package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "docextract"

	// Labels
	outcomeLabel = "outcome"
	statusLabel  = "status"
)

/**
* Metrics definition
**/
var activeProcessesMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_processes_active",
		Help:      "number of worker processes currently holding a concurrency permit",
	},
)

var slotWaitMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "limiter_wait_seconds",
		Help:      "time spent waiting for a concurrency permit",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 600},
	},
)

var slotTimeoutsMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "limiter_timeouts_total",
		Help:      "number of jobs failed because no concurrency permit became free in time",
	},
)

var attemptsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_attempts_total",
		Help:      "worker attempts by outcome",
	},
	[]string{outcomeLabel},
)

var jobsFinishedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "jobs reaching a terminal status",
	},
	[]string{statusLabel},
)

var backpressureMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_backpressure_total",
		Help:      "jobs executed inline on the submitting goroutine because the dispatch queue was full",
	},
)

var streamSubscribersMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "progress_stream_subscribers",
		Help:      "open progress stream subscriptions",
	},
)

func SetActiveProcesses(n int) {
	activeProcessesMetric.Set(float64(n))
}

func ObserveSlotWait(d time.Duration) {
	slotWaitMetric.Observe(d.Seconds())
}

func IncSlotTimeout() {
	slotTimeoutsMetric.Inc()
}

func IncAttempt(outcome string) {
	attemptsMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncJobFinished(status string) {
	jobsFinishedMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncBackpressure() {
	backpressureMetric.Inc()
}

func AddStreamSubscribers(delta int) {
	streamSubscribersMetric.Add(float64(delta))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(activeProcessesMetric)
	prometheus.MustRegister(slotWaitMetric)
	prometheus.MustRegister(slotTimeoutsMetric)
	prometheus.MustRegister(attemptsMetric)
	prometheus.MustRegister(jobsFinishedMetric)
	prometheus.MustRegister(backpressureMetric)
	prometheus.MustRegister(streamSubscribersMetric)
}
