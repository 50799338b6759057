package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ObservationsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_observations_ingested_total",
		Help: "The total number of accepted observations",
	}, []string{"source"})

	ObservationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_observations_rejected_total",
		Help: "The total number of rejected observations by reason",
	}, []string{"reason"})

	BatchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "percept_pipeline_batch_duration_seconds",
		Help:    "Duration in seconds to process one submission batch",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	EnrichmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "percept_enrichment_duration_seconds",
		Help:    "Duration of observation enrichment",
		Buckets: prometheus.DefBuckets,
	}, []string{"analyzer"})

	EnrichmentDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "percept_enrichment_degraded_total",
		Help: "Observations stored with degraded enrichment defaults",
	})

	AttentionWeight = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "percept_attention_weight",
		Help:    "Distribution of computed attention weights",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_store_writes_total",
		Help: "Tiered store writes by tier and status",
	}, []string{"tier", "status"})

	StoreReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_store_reads_total",
		Help: "Tiered store reads by tier that served the read",
	}, []string{"tier"})

	StorePromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "percept_store_promotions_total",
		Help: "Observations promoted to the hot tier by read frequency",
	})

	TierMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_tier_migrations_total",
		Help: "Tier migrations by source and destination tier",
	}, []string{"from", "to"})

	IndexWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_index_writes_total",
		Help: "Index writes by index and status",
	}, []string{"index", "status"})

	DeadLetterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "percept_dead_letter_total",
		Help: "Observations moved to the dead-letter partition",
	})

	JournalPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "percept_index_journal_pending",
		Help: "Write-ahead journal entries awaiting commit",
	})

	ProfileEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_profile_events_processed_total",
		Help: "Profile update events processed by outcome",
	}, []string{"outcome"})

	ProfileEventBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "percept_profile_event_backlog",
		Help: "Pending profile update events",
	})

	ProfileComponents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "percept_profile_components_per_user",
		Help:    "Component count per user observed at rebalance",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	ComposeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "percept_compose_duration_seconds",
		Help:    "Duration of prompt composition",
		Buckets: prometheus.DefBuckets,
	})

	ComposeTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "percept_compose_truncated_total",
		Help: "Composed prompts that required hard truncation",
	})

	ComposeTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "percept_compose_tokens",
		Help:    "Estimated token counts of composed prompts",
		Buckets: []float64{500, 1000, 2000, 5000, 10000, 20000, 50000},
	})

	RetrieverQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_retriever_queries_total",
		Help: "Retriever queries by cache outcome",
	}, []string{"cache"})

	RetrieverSubqueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "percept_retriever_subquery_duration_seconds",
		Help:    "Duration of retriever sub-queries by index",
		Buckets: prometheus.DefBuckets,
	}, []string{"index"})

	ModelRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "percept_model_request_duration_seconds",
		Help:    "Duration of external model requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "model"})

	ModelTokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_model_tokens_total",
		Help: "Tokens consumed by provider, model, and kind",
	}, []string{"provider", "model", "kind"})

	ModelFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_model_fallbacks_total",
		Help: "Provider fallbacks by failed provider",
	}, []string{"from"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "percept_circuit_breaker_open",
		Help: "Circuit breaker state per provider (1 = open)",
	}, []string{"provider"})

	BudgetUsageRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "percept_daily_budget_usage_ratio",
		Help: "Fraction of the daily token budget consumed",
	})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_api_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "code"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "percept_api_request_duration_seconds",
		Help:    "API request duration by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_rate_limit_rejections_total",
		Help: "Requests rejected by the per-app rate limiter",
	}, []string{"app"})

	AuditRecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_audit_records_total",
		Help: "Audit records written by data kind",
	}, []string{"data_kind"})
)
