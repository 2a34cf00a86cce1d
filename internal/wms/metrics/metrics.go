package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wms"

// Match outcomes.
const (
	OutcomeMatched = "matched"
	OutcomeNoMatch = "no_match"
	OutcomeError   = "error"
)

// QueueStatsProvider exposes task queue sizes at collection time.
type QueueStatsProvider interface {
	Len() int
	JobCount() int
}

// Metrics is the top level server metrics collector.
type Metrics struct {
	matches           *prometheus.CounterVec
	matchLatency      prometheus.Histogram
	contentionRetries prometheus.Counter
	transitions       *prometheus.CounterVec
	reschedules       prometheus.Counter
	stalledJobs       prometheus.Counter
	stalledPilots     prometheus.Counter

	taskQueuesDesc *prometheus.Desc
	queuedJobsDesc *prometheus.Desc
	queueStats     QueueStatsProvider
}

func New() *Metrics {
	return &Metrics{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_requests_total",
			Help:      "Number of job requests by outcome.",
		}, []string{"outcome"}),
		matchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_latency_seconds",
			Help:      "Time taken to answer a job request.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		contentionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_contention_retries_total",
			Help:      "Number of assignments lost to a concurrent writer.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Number of job state transitions.",
		}, []string{"from", "to"}),
		reschedules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_reschedules_total",
			Help:      "Number of jobs returned to the queue.",
		}),
		stalledJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalled_jobs_total",
			Help:      "Number of jobs declared stalled.",
		}),
		stalledPilots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalled_pilots_total",
			Help:      "Number of pilots declared stalled.",
		}),
		taskQueuesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "task_queues"), "Number of task queues.", nil, nil),
		queuedJobsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queued_jobs"), "Number of jobs waiting in task queues.", nil, nil),
	}
}

// WithQueueStats reports task queue gauges from provider on every collection.
func (m *Metrics) WithQueueStats(provider QueueStatsProvider) *Metrics {
	m.queueStats = provider
	return m
}

func (m *Metrics) RecordMatch(outcome string, duration time.Duration) {
	m.matches.WithLabelValues(outcome).Inc()
	m.matchLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordContention() {
	m.contentionRetries.Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordReschedule() {
	m.reschedules.Inc()
}

func (m *Metrics) RecordStalledJob() {
	m.stalledJobs.Inc()
}

func (m *Metrics) RecordStalledPilot() {
	m.stalledPilots.Inc()
}

// Describe is necessary to implement the prometheus.Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.matches.Describe(ch)
	m.matchLatency.Describe(ch)
	m.contentionRetries.Describe(ch)
	m.transitions.Describe(ch)
	m.reschedules.Describe(ch)
	m.stalledJobs.Describe(ch)
	m.stalledPilots.Describe(ch)
	ch <- m.taskQueuesDesc
	ch <- m.queuedJobsDesc
}

// Collect is necessary to implement the prometheus.Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.matches.Collect(ch)
	m.matchLatency.Collect(ch)
	m.contentionRetries.Collect(ch)
	m.transitions.Collect(ch)
	m.reschedules.Collect(ch)
	m.stalledJobs.Collect(ch)
	m.stalledPilots.Collect(ch)
	if m.queueStats != nil {
		ch <- prometheus.MustNewConstMetric(m.taskQueuesDesc, prometheus.GaugeValue, float64(m.queueStats.Len()))
		ch <- prometheus.MustNewConstMetric(m.queuedJobsDesc, prometheus.GaugeValue, float64(m.queueStats.JobCount()))
	}
}
