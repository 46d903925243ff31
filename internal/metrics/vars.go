// Package metrics registers the Prometheus collectors shared by the
// scheduler, scanner and executor.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AllocatorDemand = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flashsched_allocator_demand_per_hour",
		Help: "Aggregate request demand after the last recompute",
	})

	AllocatorCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flashsched_allocator_capacity_per_hour",
		Help: "Buffered request capacity seen by the last recompute",
	})

	AllocatorResidual = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flashsched_allocator_residual_per_hour",
		Help: "Demand left above capacity after the last shrink pass",
	})

	AllocatorCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsched_allocator_cycles_total",
		Help: "Recompute cycles by action",
	}, []string{"action"})

	StrategyInterval = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashsched_strategy_interval_ms",
		Help: "Current inter-trade interval per strategy",
	}, []string{"strategy"})

	StrategySuccessRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashsched_strategy_success_rate",
		Help: "Learned success rate per strategy",
	}, []string{"strategy"})

	ScanOpportunities = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashsched_scan_opportunities_total",
		Help: "Opportunities retained by the scanner",
	})

	QuoteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashsched_quote_errors_total",
		Help: "Quote requests that failed",
	})

	QuoteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashsched_quote_latency_seconds",
		Help:    "Time to obtain a swap quote",
		Buckets: prometheus.DefBuckets,
	})

	Executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsched_executions_total",
		Help: "Execution attempts by status and reason",
	}, []string{"strategy", "status", "reason"})

	ExecutionProfit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsched_execution_profit_total",
		Help: "Summed positive actual profit per strategy",
	}, []string{"strategy"})

	ConfirmationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashsched_confirmation_latency_seconds",
		Help:    "Time from submission to a final ledger status",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	ReserveBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flashsched_reserve_balance",
		Help: "Spendable balance observed after the last attempt",
	})
)

func init() {
	prometheus.MustRegister(
		AllocatorDemand,
		AllocatorCapacity,
		AllocatorResidual,
		AllocatorCycles,
		StrategyInterval,
		StrategySuccessRate,
		ScanOpportunities,
		QuoteErrors,
		QuoteLatency,
		Executions,
		ExecutionProfit,
		ConfirmationLatency,
		ReserveBalance,
	)
}
