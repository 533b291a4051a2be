package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	SemanticBackendPGVector = "pgvector"
	SemanticBackendMemory   = "memory"
	SemanticBackendDisabled = "disabled"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	CacheDBPath         string `envconfig:"CACHE_DB_PATH" default:"data/cache/feeds.db"`
	CacheRetentionHours int    `envconfig:"CACHE_RETENTION_HOURS" default:"24"`
	ExactMatchChars     int    `envconfig:"EXACT_MATCH_CHARS" default:"120"`

	SemanticBackend     string        `envconfig:"SEMANTIC_BACKEND" default:"pgvector"`
	SimilarityThreshold float64       `envconfig:"SEMANTIC_SIMILARITY_THRESHOLD" default:"0.85"`
	SemanticCollection  string        `envconfig:"SEMANTIC_COLLECTION" default:"modelx_feeds"`
	EmbeddingEndpoint   string        `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"sentence-transformers/all-MiniLM-L6-v2"`
	EmbeddingMaxLength  int           `envconfig:"EMBEDDING_MAX_LENGTH" default:"256"`
	EmbeddingTimeout    time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"30s"`
	EmbeddingMaxRetries int           `envconfig:"EMBEDDING_MAX_RETRIES" default:"3"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	Neo4jEnabled  bool   `envconfig:"NEO4J_ENABLED" default:"false"`
	Neo4jURI      string `envconfig:"NEO4J_URI" default:"bolt://localhost:7687"`
	Neo4jUser     string `envconfig:"NEO4J_USER" default:"neo4j"`
	Neo4jPassword string `envconfig:"NEO4J_PASSWORD" default:""`
	Neo4jDatabase string `envconfig:"NEO4J_DATABASE" default:""`

	CSVExportDir string `envconfig:"CSV_EXPORT_DIR" default:"data/feeds"`

	CollectorWorkers int    `envconfig:"COLLECTOR_WORKERS" default:"4"`
	CleanupSchedule  string `envconfig:"CLEANUP_SCHEDULE" default:"@hourly"`
	ExportSchedule   string `envconfig:"EXPORT_SCHEDULE" default:"@every 30m"`
	MetricsAddr      string `envconfig:"METRICS_ADDR" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.SemanticBackend = strings.ToLower(strings.TrimSpace(cfg.SemanticBackend))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.CacheDBPath) == "" {
		return fmt.Errorf("CACHE_DB_PATH is required")
	}
	if c.CacheRetentionHours < 1 {
		return fmt.Errorf("CACHE_RETENTION_HOURS must be >= 1")
	}
	if c.ExactMatchChars < 1 {
		return fmt.Errorf("EXACT_MATCH_CHARS must be >= 1")
	}
	switch c.SemanticBackend {
	case SemanticBackendPGVector, SemanticBackendMemory, SemanticBackendDisabled:
	default:
		return fmt.Errorf("SEMANTIC_BACKEND must be pgvector, memory or disabled")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SEMANTIC_SIMILARITY_THRESHOLD must be in (0, 1]")
	}
	if strings.TrimSpace(c.SemanticCollection) == "" {
		return fmt.Errorf("SEMANTIC_COLLECTION is required")
	}
	if c.SemanticBackend != SemanticBackendDisabled && strings.TrimSpace(c.EmbeddingEndpoint) == "" {
		return fmt.Errorf("EMBEDDING_ENDPOINT is required unless SEMANTIC_BACKEND=disabled")
	}
	if c.EmbeddingMaxLength < 1 {
		return fmt.Errorf("EMBEDDING_MAX_LENGTH must be >= 1")
	}
	if c.EmbeddingTimeout <= 0 {
		return fmt.Errorf("EMBEDDING_TIMEOUT must be > 0")
	}
	if c.EmbeddingMaxRetries < 0 {
		return fmt.Errorf("EMBEDDING_MAX_RETRIES must be >= 0")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.Neo4jEnabled && strings.TrimSpace(c.Neo4jURI) == "" {
		return fmt.Errorf("NEO4J_URI is required when NEO4J_ENABLED=true")
	}
	if strings.TrimSpace(c.CSVExportDir) == "" {
		return fmt.Errorf("CSV_EXPORT_DIR is required")
	}
	if c.CollectorWorkers < 1 {
		return fmt.Errorf("COLLECTOR_WORKERS must be >= 1")
	}
	return nil
}

// CacheRetention is the exact-match window as a duration.
func (c *Config) CacheRetention() time.Duration {
	if c == nil || c.CacheRetentionHours < 1 {
		return 24 * time.Hour
	}
	return time.Duration(c.CacheRetentionHours) * time.Hour
}

// PGVectorConfigured reports whether the pgvector backend has a database to talk to.
func (c *Config) PGVectorConfigured() bool {
	if c == nil {
		return false
	}
	return c.SemanticBackend == SemanticBackendPGVector && strings.TrimSpace(c.DatabaseURL) != ""
}
