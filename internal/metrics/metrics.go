package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgov_executions_total",
			Help: "Total number of execution requests by terminal status",
		},
		[]string{"tier", "model", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgov_execution_duration_seconds",
			Help:    "End-to-end execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tier", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgov_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"tier", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgov_cost_usd_total",
			Help: "Total billed cost in USD",
		},
		[]string{"tier", "model"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgov_rate_limit_denials_total",
			Help: "Admission denials by dimension",
		},
		[]string{"tier", "dimension"},
	)

	InFlightExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgov_in_flight_executions",
			Help: "Currently running backend invocations",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentgov_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgov_backend_errors_total",
			Help: "Backend invocation errors",
		},
		[]string{"backend", "error_type"},
	)

	LedgerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgov_ledger_write_failures_total",
			Help: "Ledger writes that failed and were queued for retry",
		},
	)

	LedgerWritesAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgov_ledger_writes_abandoned_total",
			Help: "Ledger writes abandoned after exhausting retries",
		},
	)

	BillingQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgov_billing_queue_depth",
			Help: "Records waiting for billing delivery",
		},
	)

	BillingRecordsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgov_billing_records_delivered_total",
			Help: "Records acknowledged by the metering system",
		},
	)

	BillingRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgov_billing_records_dropped_total",
			Help: "Records dropped due to a full queue or exhausted retries",
		},
	)
)

// RecordCircuitState mirrors a breaker state into the state gauge.
func RecordCircuitState(dependency string, state int) {
	CircuitBreakerState.WithLabelValues(dependency).Set(float64(state))
}
