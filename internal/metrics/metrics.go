// Package metrics instruments the scheduler core with Prometheus metrics
// under the reactor_* prefix: dirty-set size, outstanding commits,
// settle-pass duration, stale-read retries, idle-wait duration, and the
// rest of the scheduler-core concepts below.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DirtySetSize tracks the number of actions currently slated to run in
	// the settle pass.
	DirtySetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_dirty_set_size",
		Help: "Current number of actions in the dirty set",
	})

	// OutstandingCommits tracks in-flight commit futures.
	OutstandingCommits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_outstanding_commits",
		Help: "Current number of in-flight commit futures",
	})

	// SchedulerState tracks the settle loop's state machine
	// (0=Quiet, 1=ScheduledRun, 2=Running, 3=DrainingCommits).
	SchedulerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_scheduler_state",
		Help: "Current settle loop state (0=Quiet,1=ScheduledRun,2=Running,3=DrainingCommits)",
	})

	// SettlePassDuration tracks the wall-clock duration of one Running
	// phase of the settle loop.
	SettlePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reactor_settle_pass_duration_seconds",
		Help:    "Duration of one settle pass (Running phase)",
		Buckets: prometheus.DefBuckets,
	})

	// SettleIterations tracks how many iterations a settle pass took
	// before emptying dirty or hitting the cap.
	SettleIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reactor_settle_iterations",
		Help:    "Number of iterations a settle pass took",
		Buckets: prometheus.LinearBuckets(1, 5, 20),
	})

	// IterationCapExceeded tracks settle passes that hit MAX_SETTLE_ITERATIONS.
	IterationCapExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reactor_iteration_cap_exceeded_total",
		Help: "Total number of settle passes that hit the iteration cap",
	})

	// ActionRuns tracks action executions by kind and outcome.
	ActionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reactor_action_runs_total",
		Help: "Total number of action executions",
	}, []string{"kind", "outcome"}) // outcome: ok, fault, invalidated

	// StaleReadRetries tracks commit retries triggered by stale reads.
	StaleReadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reactor_stale_read_retries_total",
		Help: "Total number of reactive retries triggered by a stale-read commit result",
	})

	// CommitRejections tracks permanently rejected commits.
	CommitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reactor_commit_rejections_total",
		Help: "Total number of commits permanently rejected (authorization or storage failure)",
	})

	// CommitAuthorizeDuration tracks the authorization step of commit,
	// the dominant cost in the commit pipeline.
	CommitAuthorizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reactor_commit_authorize_duration_seconds",
		Help:    "Duration of the commit authorization step (signature + capability check)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	})

	// CommitDiffDuration tracks the journal-diff step of commit.
	CommitDiffDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reactor_commit_diff_duration_seconds",
		Help:    "Duration of the commit diff-against-prior-state step",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // 0.1ms to ~50ms
	})

	// IdleWaitDuration tracks how long idle() callers waited before
	// resolution.
	IdleWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reactor_idle_wait_duration_seconds",
		Help:    "Duration an idle() caller waited before resolution",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// IdleTimeouts tracks idle() calls that resolved with TimedOutWhileDraining.
	IdleTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reactor_idle_timeouts_total",
		Help: "Total number of idle() calls that timed out while draining",
	})

	// SendQueueDepth tracks the depth of the commit send queue.
	SendQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_send_queue_depth",
		Help: "Current depth of the commit send queue",
	})

	// SendQueueRejections tracks commits rejected by send-queue admission
	// control (backpressure).
	SendQueueRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reactor_send_queue_rejections_total",
		Help: "Commits rejected by send-queue admission control",
	}, []string{"reason"})

	// DependencyIndexEdges tracks the current number of forward edges in
	// the Dependency Index.
	DependencyIndexEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_dependency_index_edges",
		Help: "Current number of cell->action edges in the dependency index",
	})
)
