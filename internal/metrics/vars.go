package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SourceFetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bobramp_source_fetch_failures_total",
		Help: "Exchange fetches that produced no usable quote",
	}, []string{"exchange", "kind"})

	AggregatedMid = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bobramp_aggregated_mid_bob",
		Help: "Latest aggregated mid rate (BOB per USDT)",
	})

	AggregationSources = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bobramp_aggregation_sources",
		Help: "Number of exchanges contributing to the latest aggregation",
	})

	OraclePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bobramp_oracle_pushes_total",
		Help: "Oracle update runs by result",
	}, []string{"result"})

	LedgerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bobramp_ledger_outcomes_total",
		Help: "Ledger submissions by call label and outcome",
	}, []string{"call", "outcome"})

	LedgerConfirmLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bobramp_ledger_confirm_seconds",
		Help:    "Time from broadcast to a definite confirmation result",
		Buckets: prometheus.DefBuckets,
	})

	RampTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bobramp_ramp_transitions_total",
		Help: "Ramp request status transitions",
	}, []string{"type", "to"})

	RampRejectedTransitions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bobramp_ramp_rejected_transitions_total",
		Help: "Transitions refused by the state machine",
	})
)

func init() {
	prometheus.MustRegister(
		SourceFetchFailures,
		AggregatedMid,
		AggregationSources,
		OraclePushes,
		LedgerOutcomes,
		LedgerConfirmLatency,
		RampTransitions,
		RampRejectedTransitions,
	)
}
