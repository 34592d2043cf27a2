// Package metrics exposes Prometheus collectors for queue depth, run
// outcomes, agent cost and self-heal attempts, grounded on legator's
// internal/metrics helper style (ActiveRuns, RecordRunComplete, ...).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ActiveRuns is the number of runs currently RUNNING.
	ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dapptest",
		Name:      "active_runs",
		Help:      "Number of runs currently being executed by this worker.",
	})

	// QueueDepth is the number of jobs waiting in a named queue.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dapptest",
		Name:      "queue_depth",
		Help:      "Number of pending jobs per queue kind.",
	}, []string{"kind"})

	// RunOutcomes counts terminal run statuses.
	RunOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dapptest",
		Name:      "run_outcomes_total",
		Help:      "Count of terminal run outcomes by status and execution mode.",
	}, []string{"status", "execution_mode"})

	// SelfHealAttempts counts self-heal regeneration attempts by outcome.
	SelfHealAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dapptest",
		Name:      "self_heal_attempts_total",
		Help:      "Count of self-heal regeneration attempts by outcome.",
	}, []string{"outcome"})

	// AgentTokens tallies planner token usage by model and category.
	AgentTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dapptest",
		Name:      "agent_tokens_total",
		Help:      "Planner token usage by model and token category.",
	}, []string{"model", "category"})
)

// MustRegister registers every collector against reg. Call once at process
// startup; panics (via prometheus) on duplicate registration, matching the
// init-time registration idiom used across the example pack.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(ActiveRuns, QueueDepth, RunOutcomes, SelfHealAttempts, AgentTokens)
}
