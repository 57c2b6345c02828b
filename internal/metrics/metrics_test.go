package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	TasksScheduled.WithLabelValues("placed")
	TransitionsTotal.WithLabelValues("tasks", "waiting")
	CallbacksTotal.WithLabelValues("application_containers", "accepted")
	JanitorRemovals.WithLabelValues("vanished")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"ccserver_scheduling_ticks_total":             false,
		"ccserver_scheduling_tick_duration_seconds":   false,
		"ccserver_tasks_scheduled_total":              false,
		"ccserver_transitions_total":                  false,
		"ccserver_nodes_online":                       false,
		"ccserver_nodes_dead":                         false,
		"ccserver_node_inspection_duration_seconds":   false,
		"ccserver_callbacks_total":                    false,
		"ccserver_janitor_removals_total":              false,
		"ccserver_engine_calls_in_flight":              false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	SchedulingTicks.Add(1)
	TasksScheduled.WithLabelValues("placed").Inc()
	TasksScheduled.WithLabelValues("too_large").Inc()
}

func TestGaugeSets(t *testing.T) {
	NodesOnline.Set(3)
	NodesDead.Set(1)
	EngineCallsInFlight.Set(2)
}
