package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "antfarm_orchestrator_passes_total",
		Help: "Orchestration passes by outcome (ok, error)",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "antfarm_orchestrator_pass_duration_seconds",
		Help:    "Wall-clock duration of one orchestration pass",
		Buckets: prometheus.DefBuckets,
	})

	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antfarm_spawn_requests_enqueued_total",
		Help: "Spawn requests added to the queue",
	})

	spawnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antfarm_agents_spawned_total",
		Help: "Agent sessions started",
	})

	spawnFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antfarm_spawn_failures_total",
		Help: "Failed agent spawn attempts",
	})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antfarm_spawn_requests_dropped_total",
		Help: "Stale spawn requests removed without spawning",
	})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "antfarm_active_runs",
		Help: "Non-terminal runs seen by the last pass",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "antfarm_spawn_queue_depth",
		Help: "Spawn requests queued at the start of the last drain",
	})
)

func (r PassResult) observe() {
	enqueuedTotal.Add(float64(r.Enqueued))
	spawnedTotal.Add(float64(r.Spawned))
	spawnFailuresTotal.Add(float64(r.SpawnFailures))
	droppedTotal.Add(float64(r.Dropped))
	activeRuns.Set(float64(r.ActiveRuns))
	queueDepth.Set(float64(r.Queued))
}
