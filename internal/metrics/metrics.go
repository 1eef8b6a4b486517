// Package metrics is the process-wide Prometheus registry for the flow
// tracker: poll attempts and outcomes per chain/flowType, chain- and
// global-timeout firings, and forwarding-registration broadcast outcomes.
// Grounded on the teacher's go.mod client_golang dependency, which the
// original repository declared but never wired into a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
)

// Registry bundles the flow tracker's metric collectors behind a narrow
// recording API, so callers never touch *prometheus.Registry directly.
type Registry struct {
	reg *prometheus.Registry

	pollAttempts        *prometheus.CounterVec
	pollOutcomes        *prometheus.CounterVec
	pollDuration        *prometheus.HistogramVec
	chainTimeouts       *prometheus.CounterVec
	globalTimeouts      *prometheus.CounterVec
	registrationResults *prometheus.CounterVec
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usdc_flow_tracker",
			Name:      "poll_attempts_total",
			Help:      "Number of times a chain poller was invoked.",
		}, []string{"chain", "flow_type"}),
		pollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usdc_flow_tracker",
			Name:      "poll_outcomes_total",
			Help:      "Chain poller invocations by terminal status.",
		}, []string{"chain", "flow_type", "status"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "usdc_flow_tracker",
			Name:      "poll_duration_seconds",
			Help:      "Wall-clock time spent inside a single poller invocation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s .. 2048s (~34m)
		}, []string{"chain", "flow_type"}),
		chainTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usdc_flow_tracker",
			Name:      "chain_timeouts_total",
			Help:      "Per-chain timeout firings, demoting a chain to polling_timeout.",
		}, []string{"chain", "flow_type"}),
		globalTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usdc_flow_tracker",
			Name:      "global_timeouts_total",
			Help:      "Whole-flow timeout firings.",
		}, []string{"flow_type"}),
		registrationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usdc_flow_tracker",
			Name:      "forwarding_registration_total",
			Help:      "Noble forwarding-registration broadcasts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.pollAttempts,
		r.pollOutcomes,
		r.pollDuration,
		r.chainTimeouts,
		r.globalTimeouts,
		r.registrationResults,
	)
	return r
}

// ObservePollAttempt records that chain's poller was invoked for flowType.
func (r *Registry) ObservePollAttempt(chain flowstate.ChainKey, flowType flowstate.FlowType) {
	r.pollAttempts.WithLabelValues(string(chain), string(flowType)).Inc()
}

// ObservePollOutcome records a poller invocation's terminal status and the
// time it took.
func (r *Registry) ObservePollOutcome(chain flowstate.ChainKey, flowType flowstate.FlowType, status flowstate.ChainStatusValue, durationSeconds float64) {
	r.pollOutcomes.WithLabelValues(string(chain), string(flowType), string(status)).Inc()
	r.pollDuration.WithLabelValues(string(chain), string(flowType)).Observe(durationSeconds)
}

// ObserveChainTimeout records a per-chain timeout firing.
func (r *Registry) ObserveChainTimeout(chain flowstate.ChainKey, flowType flowstate.FlowType) {
	r.chainTimeouts.WithLabelValues(string(chain), string(flowType)).Inc()
}

// ObserveGlobalTimeout records a whole-flow timeout firing.
func (r *Registry) ObserveGlobalTimeout(flowType flowstate.FlowType) {
	r.globalTimeouts.WithLabelValues(string(flowType)).Inc()
}

// ObserveRegistrationResult records a forwarding-registration broadcast
// outcome: one of "success", "already_registered", "insufficient_balance",
// "recoverable_failure", "user_action_required".
func (r *Registry) ObserveRegistrationResult(outcome string) {
	r.registrationResults.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
