package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"horse.fit/modelx/internal/cache"
	"horse.fit/modelx/internal/cli"
	"horse.fit/modelx/internal/config"
	"horse.fit/modelx/internal/db"
	"horse.fit/modelx/internal/graph"
	"horse.fit/modelx/internal/logging"
	"horse.fit/modelx/internal/metrics"
	"horse.fit/modelx/internal/semantic"
	"horse.fit/modelx/internal/storage"
)

const defaultConnectTimeout = 15 * time.Second

// backends holds every storage component opened for one command.
type backends struct {
	cfg      *config.Config
	logger   zerolog.Logger
	cache    *cache.ExactMatchCache
	semantic *semantic.Store
	graph    *graph.KnowledgeGraph
	pool     *db.Pool
	metrics  *metrics.Metrics
	manager  *storage.Manager
}

func loadRuntime(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// openBackends opens the cache and degrades the semantic store and graph to
// disabled components when their servers are unreachable. Only a cache
// failure is fatal.
func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*backends, error) {
	b := &backends{cfg: cfg, logger: logger}
	if reg != nil {
		b.metrics = metrics.New(reg)
	}

	exact, err := cache.Open(ctx, cfg.CacheDBPath, logger.With().Str("component", "exact_cache").Logger(),
		cache.WithPrefixChars(cfg.ExactMatchChars))
	if err != nil {
		return nil, fmt.Errorf("open exact-match cache: %w", err)
	}
	b.cache = exact

	b.semantic = b.openSemantic(ctx)

	b.graph = graph.Connect(ctx, graph.Options{
		Enabled:  cfg.Neo4jEnabled,
		URI:      cfg.Neo4jURI,
		User:     cfg.Neo4jUser,
		Password: cfg.Neo4jPassword,
		Database: cfg.Neo4jDatabase,
	}, logger.With().Str("component", "knowledge_graph").Logger())

	b.manager = storage.NewManager(b.cache, b.semantic, b.graph, storage.Options{
		Retention: cfg.CacheRetention(),
		Threshold: cfg.SimilarityThreshold,
		ExportDir: cfg.CSVExportDir,
		Metrics:   b.metrics,
	}, logger.With().Str("component", "storage").Logger())
	return b, nil
}

func (b *backends) openSemantic(ctx context.Context) *semantic.Store {
	cfg := b.cfg
	logger := b.logger.With().Str("component", "semantic_store").Logger()

	embedder := semantic.NewHTTPEmbedder(semantic.HTTPEmbedderOptions{
		Endpoint:       cfg.EmbeddingEndpoint,
		Model:          cfg.EmbeddingModel,
		MaxLength:      cfg.EmbeddingMaxLength,
		RequestTimeout: cfg.EmbeddingTimeout,
		MaxRetries:     cfg.EmbeddingMaxRetries,
	})
	opts := semantic.StoreOptions{
		Collection: cfg.SemanticCollection,
		Threshold:  cfg.SimilarityThreshold,
	}

	switch cfg.SemanticBackend {
	case config.SemanticBackendDisabled:
		return semantic.Disabled("SEMANTIC_BACKEND=disabled", logger)
	case config.SemanticBackendMemory:
		opts.Backend = semantic.BackendMemory
		return semantic.NewStore(embedder, semantic.NewMemoryIndex(), opts, logger)
	}

	if !cfg.PGVectorConfigured() {
		logger.Warn().Msg("DATABASE_URL is empty; semantic deduplication disabled")
		return semantic.Disabled("DATABASE_URL not set", logger)
	}
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("pgvector unavailable; semantic deduplication disabled")
		return semantic.Disabled(err.Error(), logger)
	}
	b.pool = pool
	opts.Backend = semantic.BackendPGVector
	return semantic.NewStore(embedder, semantic.NewPGIndex(pool.DB(), opts.Collection), opts, logger)
}

func (b *backends) Close() {
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.graph != nil {
		if err := b.graph.Close(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("close knowledge graph")
		}
	}
	if b.pool != nil {
		if err := b.pool.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("close database pool")
		}
	}
	if b.cache != nil {
		if err := b.cache.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("close exact-match cache")
		}
	}
}

// connectBackends is the common preamble of the one-shot commands.
func connectBackends(timeout time.Duration, envLoader *cli.EnvLoader) (context.Context, context.CancelFunc, *backends, error) {
	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		return nil, nil, nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	b, err := openBackends(ctx, cfg, logger, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, b, nil
}
