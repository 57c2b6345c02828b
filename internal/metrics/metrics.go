package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchedulingTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccserver_scheduling_ticks_total",
		Help: "Total number of scheduling loop iterations.",
	})
	SchedulingTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ccserver_scheduling_tick_duration_seconds",
		Help:    "Duration of one end-to-end scheduling tick.",
		Buckets: prometheus.DefBuckets,
	})
	TasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccserver_tasks_scheduled_total",
		Help: "Total number of tasks that produced a placement attempt, by outcome.",
	}, []string{"outcome"})
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccserver_transitions_total",
		Help: "Total number of state transitions, by collection and state.",
	}, []string{"collection", "state"})
	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccserver_nodes_online",
		Help: "Number of nodes currently considered alive.",
	})
	NodesDead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccserver_nodes_dead",
		Help: "Number of nodes currently marked dead.",
	})
	InspectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ccserver_node_inspection_duration_seconds",
		Help:    "Duration of a single node inspection probe.",
		Buckets: prometheus.DefBuckets,
	})
	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccserver_callbacks_total",
		Help: "Total number of callbacks processed, by collection and outcome.",
	}, []string{"collection", "outcome"})
	JanitorRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccserver_janitor_removals_total",
		Help: "Total number of containers removed by the janitor, or failed by it as vanished, by reason.",
	}, []string{"reason"})
	EngineCallsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccserver_engine_calls_in_flight",
		Help: "Number of engine-adapter calls currently holding the thread_limit semaphore.",
	})
	NotifyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccserver_notify_failures_total",
		Help: "Total number of best-effort notification deliveries that failed, by connector type.",
	}, []string{"connector_type"})
	DeadNodeNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccserver_dead_node_notifications_total",
		Help: "Total number of dead-node notifications fired by the inspector.",
	})
)
