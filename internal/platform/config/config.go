// Package config loads runtime configuration from the environment and from
// the optional scoring rules file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the percept backend.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`

	// Hot tier (Redis)
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Cold tier
	ColdStoreDir string `env:"COLD_STORE_DIR" envDefault:"./data/cold"`

	// Full-text index (Solr)
	FullTextEnabled    bool          `env:"FULLTEXT_ENABLED" envDefault:"false"`
	FullTextBaseURL    string        `env:"FULLTEXT_BASE_URL" envDefault:"http://localhost:8983/solr"`
	FullTextCollection string        `env:"FULLTEXT_COLLECTION" envDefault:"observations"`
	FullTextTimeout    time.Duration `env:"FULLTEXT_TIMEOUT" envDefault:"10s"`

	// Vector index
	VectorIndexEnabled  bool `env:"VECTOR_INDEX_ENABLED" envDefault:"true"`
	EmbeddingDimensions int  `env:"EMBEDDING_DIMENSIONS" envDefault:"1536"`

	// API server
	APIPort          int           `env:"API_PORT" envDefault:"8081"`
	APIMaxConns      int           `env:"API_MAX_CONNS" envDefault:"256"`
	APIReadTimeout   time.Duration `env:"API_READ_TIMEOUT" envDefault:"30s"`
	APIWriteTimeout  time.Duration `env:"API_WRITE_TIMEOUT" envDefault:"60s"`
	HealthPort       int           `env:"HEALTH_PORT" envDefault:"8080"`
	JWTSecret        string        `env:"JWT_SECRET" envDefault:""`
	DefaultRateLimit int           `env:"DEFAULT_RATE_LIMIT" envDefault:"1000"`

	// Pipeline
	MaxBatchSize         int           `env:"MAX_BATCH_SIZE" envDefault:"256"`
	MaxItemBytes         int           `env:"MAX_ITEM_BYTES" envDefault:"65536"`
	IdempotencyWindow    time.Duration `env:"IDEMPOTENCY_WINDOW" envDefault:"24h"`
	EnrichmentTimeout    time.Duration `env:"ENRICHMENT_TIMEOUT" envDefault:"2s"`
	EnrichmentParallel   int           `env:"ENRICHMENT_PARALLEL" envDefault:"8"`
	EnrichmentQueueMax   int           `env:"ENRICHMENT_QUEUE_MAX" envDefault:"1024"`
	StorageWriteTimeout  time.Duration `env:"STORAGE_WRITE_TIMEOUT" envDefault:"1s"`
	SmallModelMode       bool          `env:"SMALL_MODEL_MODE" envDefault:"true"`
	AnalysisModelVersion string        `env:"ANALYSIS_MODEL_VERSION" envDefault:"heuristic/v1"`

	// Tiering
	HotTTL             time.Duration `env:"HOT_TTL" envDefault:"168h"`
	HotWeightFloor     float32       `env:"HOT_WEIGHT_FLOOR" envDefault:"0.7"`
	WarmWeightFloor    float32       `env:"WARM_WEIGHT_FLOOR" envDefault:"0.3"`
	ReadPromoteCount   int           `env:"READ_PROMOTE_COUNT" envDefault:"3"`
	ReadPromoteWindow  time.Duration `env:"READ_PROMOTE_WINDOW" envDefault:"24h"`
	MigrateInterval    time.Duration `env:"MIGRATE_INTERVAL" envDefault:"1h"`
	MigrateBatchSize   int           `env:"MIGRATE_BATCH_SIZE" envDefault:"500"`
	JournalRecoveryAge time.Duration `env:"JOURNAL_RECOVERY_AGE" envDefault:"30s"`

	// Profile engine
	ProfileWorkerInterval time.Duration `env:"PROFILE_WORKER_INTERVAL" envDefault:"500ms"`
	ProfileEventBatch     int           `env:"PROFILE_EVENT_BATCH" envDefault:"64"`
	ProfileMatchThreshold float32       `env:"PROFILE_MATCH_THRESHOLD" envDefault:"0.7"`
	ProfileEvictionFloor  float32       `env:"PROFILE_EVICTION_FLOOR" envDefault:"0.01"`
	ProfileEvictionAge    time.Duration `env:"PROFILE_EVICTION_AGE" envDefault:"336h"`

	// Prompt composer
	PromptTokenBudget int `env:"PROMPT_TOKEN_BUDGET" envDefault:"50000"`

	// Retriever
	RetrieverCacheSize int           `env:"RETRIEVER_CACHE_SIZE" envDefault:"256"`
	RetrieverCacheTTL  time.Duration `env:"RETRIEVER_CACHE_TTL" envDefault:"60s"`

	// LLM providers
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY" envDefault:""`
	OpenAIBaseURL    string        `env:"OPENAI_BASE_URL" envDefault:""`
	OpenAIModel      string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	AnthropicAPIKey  string        `env:"ANTHROPIC_API_KEY" envDefault:""`
	AnthropicModel   string        `env:"ANTHROPIC_MODEL" envDefault:"claude-haiku-4.5"`
	OpenRouterAPIKey string        `env:"OPENROUTER_API_KEY" envDefault:""`
	OpenRouterModel  string        `env:"OPENROUTER_MODEL" envDefault:"openai/gpt-4o-mini"`
	EmbeddingModel   string        `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	RateLimitRPS     int           `env:"RATE_LIMIT_RPS" envDefault:"1"`
	ModelTimeout     time.Duration `env:"MODEL_TIMEOUT" envDefault:"30s"`
	DailyTokenBudget int64         `env:"DAILY_TOKEN_BUDGET" envDefault:"10000000"`
	ChatTemperature  float32       `env:"CHAT_TEMPERATURE" envDefault:"0.7"`

	// Maintenance
	RetentionCleanupSpec string `env:"RETENTION_CLEANUP_SPEC" envDefault:"0 4 * * *"`
	ColdCompactionSpec   string `env:"COLD_COMPACTION_SPEC" envDefault:"0 3 * * *"`
	UsageRollupSpec      string `env:"USAGE_ROLLUP_SPEC" envDefault:"30 4 * * *"`
	UsageRetentionDays   int    `env:"USAGE_RETENTION_DAYS" envDefault:"400"`
	DefaultRetentionDays int    `env:"DEFAULT_RETENTION_DAYS" envDefault:"365"`

	// Scoring rules file (optional; compiled-in defaults apply without it)
	ScoringRulesPath string `env:"SCORING_RULES_PATH" envDefault:""`
}

// Load reads configuration from the environment, loading .env first when present.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional, error is expected when not present

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	return cfg, nil
}
