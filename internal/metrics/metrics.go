// Package metrics exposes the Prometheus instrumentation surface for
// bootstrap and data-plane operations: exchange round outcomes, KV
// spin-wait attempt counts, and QP transition outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace prefixes every metric registered by this package.
const namespace = "hartebeest"

var (
	// ExchangeRounds counts completed Metadata Exchanger rounds, labelled by
	// variant (socket|kv) and outcome (success|failed).
	ExchangeRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "rounds_total",
		Help:      "Metadata exchange rounds, by variant and outcome.",
	}, []string{"variant", "outcome"})

	// KVSpinWaitAttempts counts individual GET polls issued by the KV
	// exchanger's barrier and MR/QP fetch paths.
	KVSpinWaitAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kv",
		Name:      "spin_wait_attempts_total",
		Help:      "GET attempts issued while spin-waiting, by operation.",
	}, []string{"operation"})

	// QPTransitions counts QP state-machine transition outcomes, labelled by
	// target state (init|rtr|rts) and outcome (ok|failed).
	QPTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "qp",
		Name:      "transitions_total",
		Help:      "QP state transitions attempted, by target state and outcome.",
	}, []string{"state", "outcome"})

	// CompletionPolls counts CQ poll-one outcomes, labelled by outcome
	// (success|failure).
	CompletionPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cq",
		Name:      "completions_total",
		Help:      "CQ poll-one outcomes, by status.",
	}, []string{"outcome"})
)

// Register registers every collector in this package against reg. Callers
// typically pass prometheus.DefaultRegisterer.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{ExchangeRounds, KVSpinWaitAttempts, QPTransitions, CompletionPolls} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
