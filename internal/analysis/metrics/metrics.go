package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesProduced tracks batches emitted by the map stage
	BatchesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdigest_batches_produced_total",
			Help: "Total number of record batches produced",
		},
		[]string{"job"},
	)

	// RecordsProcessed tracks records consumed by the map stage
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdigest_records_processed_total",
			Help: "Total number of records processed",
		},
		[]string{"job"},
	)

	// LLMCallsTotal tracks model invocations per backend and phase
	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdigest_llm_calls_total",
			Help: "Total number of model calls",
		},
		[]string{"backend", "phase"},
	)

	// LLMErrorsTotal tracks classified model errors
	LLMErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdigest_llm_errors_total",
			Help: "Total number of model errors by kind",
		},
		[]string{"backend", "kind"},
	)

	// LLMRetriesTotal tracks retry sleeps
	LLMRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdigest_llm_retries_total",
			Help: "Total number of retried model calls",
		},
		[]string{"kind"},
	)

	// LLMLatency tracks model call latency
	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatdigest_llm_latency_seconds",
			Help:    "Model call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"backend"},
	)

	// ParseFailures tracks model outputs that could not be parsed as JSON
	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdigest_parse_failures_total",
			Help: "Total number of unparseable model outputs",
		},
		[]string{"phase"},
	)

	// ReduceItemsRemaining tracks the reduce frontier size
	ReduceItemsRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatdigest_reduce_items_remaining",
			Help: "Items left to merge in the current reduce round",
		},
		[]string{"run"},
	)

	// RunRequests tracks the persisted request counter of a run
	RunRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatdigest_run_requests",
			Help: "Successful model requests made by the run",
		},
		[]string{"run"},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatdigest_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
