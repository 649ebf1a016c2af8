package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Agent side
var (
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_relay_polls_total",
			Help: "Total number of pending-task polls by result.",
		},
		[]string{"result"}, // empty, task, soft_failure
	)

	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_relay_fetches_total",
			Help: "Total number of session-authenticated fetches by outcome.",
		},
		[]string{"outcome"}, // ok, soft_failure
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_relay_submissions_total",
			Help: "Total number of submissions sent to the queue service by outcome.",
		},
		[]string{"outcome"},
	)

	SoftFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_relay_soft_failures_total",
			Help: "Transport failures absorbed by the dispatch loop.",
		},
		[]string{"stage", "reason"},
	)

	CycleLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_relay_cycle_latency_seconds",
			Help:    "Time from picking a task to finishing its submission.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		},
	)

	LoopPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_relay_loop_phase",
			Help: "Current phase of each dispatch loop (1 for the active phase).",
		},
		[]string{"loop", "phase"},
	)
)

// Queue service side
var (
	PendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_relay_pending_tasks",
			Help: "Number of tasks waiting for an agent.",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_relay_tasks_enqueued_total",
			Help: "Total number of task URLs added to the pending list.",
		},
	)

	SubmissionsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_relay_submissions_accepted_total",
			Help: "Submissions received by the queue service, by whether the URL was pending.",
		},
		[]string{"matched"},
	)

	SubmissionsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_relay_submissions_published_total",
			Help: "Submissions forwarded to the message bus by status.",
		},
		[]string{"status"},
	)
)

var phases = []string{"polling", "fetching", "submitting", "stopped"}

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		PollsTotal, FetchesTotal, SubmissionsTotal, SoftFailuresTotal, CycleLatencySeconds, LoopPhase,
		PendingTasks, TasksEnqueuedTotal, SubmissionsAcceptedTotal, SubmissionsPublishedTotal,
	)
}

// RecordPoll records the result of one poll of the queue service.
func RecordPoll(result string) {
	PollsTotal.WithLabelValues(result).Inc()
}

// RecordFetch records the outcome of a fetch.
func RecordFetch(outcome string) {
	FetchesTotal.WithLabelValues(outcome).Inc()
}

// RecordSubmission records the outcome of a submission and the cycle latency.
func RecordSubmission(outcome string, cycle time.Duration) {
	SubmissionsTotal.WithLabelValues(outcome).Inc()
	CycleLatencySeconds.Observe(cycle.Seconds())
}

// RecordSoftFailure counts an absorbed transport failure.
func RecordSoftFailure(stage, reason string) {
	SoftFailuresTotal.WithLabelValues(stage, reason).Inc()
}

// SetLoopPhase marks phase as the active one for loop.
func SetLoopPhase(loop, phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		LoopPhase.WithLabelValues(loop, p).Set(v)
	}
}

// UpdatePendingTasks sets the pending task gauge.
func UpdatePendingTasks(n int) {
	PendingTasks.Set(float64(n))
}

// RecordTaskEnqueued counts a task added to the pending list.
func RecordTaskEnqueued() {
	TasksEnqueuedTotal.Inc()
}

// RecordSubmissionAccepted counts a submission received by the queue service.
func RecordSubmissionAccepted(matched bool) {
	label := "false"
	if matched {
		label = "true"
	}
	SubmissionsAcceptedTotal.WithLabelValues(label).Inc()
}

// RecordSubmissionPublished counts a submission forwarded to the message bus.
func RecordSubmissionPublished(status string) {
	SubmissionsPublishedTotal.WithLabelValues(status).Inc()
}
