// Package semantic is the paraphrase tier of deduplication: summaries are
// embedded and compared by nearest-neighbor similarity.
package semantic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/modelx/internal/feed"
	"horse.fit/modelx/internal/globaltime"
)

const (
	DefaultThreshold  = 0.85
	DefaultCollection = "modelx_feeds"

	BackendMemory   = "memory"
	BackendPGVector = "pgvector"
	BackendDisabled = "disabled"

	indexedAtKey = "indexed_at"
)

// Match is the closest stored summary at or above the threshold.
type Match struct {
	ID         string            `json:"id"`
	Summary    string            `json:"summary"`
	Similarity float64           `json:"similarity"`
	Distance   float64           `json:"distance"`
	Metadata   map[string]string `json:"metadata"`
}

type Stats struct {
	Enabled             bool    `json:"enabled"`
	Backend             string  `json:"backend"`
	Collection          string  `json:"collection"`
	TotalDocuments      int64   `json:"total_documents"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	DisabledReason      string  `json:"disabled_reason,omitempty"`
}

type StoreOptions struct {
	Backend    string
	Collection string
	Threshold  float64
	Now        func() time.Time
}

type Store struct {
	embedder       Embedder
	index          Index
	backend        string
	collection     string
	threshold      float64
	now            func() time.Time
	logger         zerolog.Logger
	disabledReason string
}

func NewStore(embedder Embedder, index Index, opts StoreOptions, logger zerolog.Logger) *Store {
	s := &Store{
		embedder:   embedder,
		index:      index,
		backend:    strings.TrimSpace(opts.Backend),
		collection: strings.TrimSpace(opts.Collection),
		threshold:  opts.Threshold,
		now:        opts.Now,
		logger:     logger,
	}
	if s.backend == "" {
		s.backend = BackendMemory
	}
	if s.collection == "" {
		s.collection = DefaultCollection
	}
	if s.threshold <= 0 || s.threshold > 1 {
		s.threshold = DefaultThreshold
	}
	if s.now == nil {
		s.now = globaltime.UTC
	}
	if embedder == nil || index == nil {
		s.disabledReason = "embedder or index not configured"
	}
	return s
}

// Disabled returns a store whose methods are no-ops.
func Disabled(reason string, logger zerolog.Logger) *Store {
	return &Store{
		backend:        BackendDisabled,
		collection:     DefaultCollection,
		threshold:      DefaultThreshold,
		now:            globaltime.UTC,
		logger:         logger,
		disabledReason: reason,
	}
}

func (s *Store) Enabled() bool {
	return s != nil && s.disabledReason == "" && s.embedder != nil && s.index != nil
}

func (s *Store) Threshold() float64 {
	return s.threshold
}

// Similarity maps the L2 distance between unit vectors onto [0, 1]. The
// squared distance is 2-2cos, so the result equals cosine similarity clamped
// at zero.
func Similarity(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1 - min(distance*distance/2, 1)
}

// FindSimilar returns the nearest stored summary when its similarity is at
// least threshold. A disabled store or an empty index yields nil.
func (s *Store) FindSimilar(ctx context.Context, summary string, threshold float64, n int) (*Match, error) {
	if !s.Enabled() {
		return nil, nil
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, nil
	}
	if threshold <= 0 {
		threshold = s.threshold
	}
	if n <= 0 {
		n = 1
	}

	embedding, err := s.embedOne(ctx, summary)
	if err != nil {
		return nil, err
	}
	neighbors, err := s.index.Query(ctx, embedding, n)
	if err != nil {
		return nil, fmt.Errorf("query %s index: %w", s.backend, err)
	}

	var best *Match
	for _, neighbor := range neighbors {
		similarity := Similarity(neighbor.Distance)
		if similarity < threshold {
			continue
		}
		if best == nil || similarity > best.Similarity {
			best = &Match{
				ID:         neighbor.ID,
				Summary:    neighbor.Text,
				Similarity: similarity,
				Distance:   neighbor.Distance,
				Metadata:   neighbor.Metadata,
			}
		}
	}
	return best, nil
}

// AddEvent indexes summary under id with flattened metadata.
func (s *Store) AddEvent(ctx context.Context, id, summary string, metadata map[string]any) error {
	if !s.Enabled() {
		return nil
	}
	embedding, err := s.embedOne(ctx, summary)
	if err != nil {
		return err
	}

	indexedAt := s.now().UTC()
	flat := feed.FlattenMetadata(metadata)
	flat[indexedAtKey] = indexedAt.Format(time.RFC3339Nano)

	if err := s.index.Add(ctx, Document{
		ID:        id,
		Text:      summary,
		Metadata:  flat,
		Embedding: embedding,
		IndexedAt: indexedAt,
	}); err != nil {
		return fmt.Errorf("add to %s index: %w", s.backend, err)
	}
	return nil
}

// Get returns the stored documents for ids keyed by id. Unknown ids are absent.
func (s *Store) Get(ctx context.Context, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	if !s.Enabled() || len(ids) == 0 {
		return out, nil
	}
	docs, err := s.index.Get(ctx, ids)
	if err != nil {
		return out, fmt.Errorf("get from %s index: %w", s.backend, err)
	}
	for _, doc := range docs {
		out[doc.ID] = doc
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Enabled:             s.Enabled(),
		Backend:             s.backend,
		Collection:          s.collection,
		SimilarityThreshold: s.threshold,
		DisabledReason:      s.disabledReason,
	}
	if !stats.Enabled {
		return stats, nil
	}
	count, err := s.index.Count(ctx)
	if err != nil {
		return stats, fmt.Errorf("count %s index: %w", s.backend, err)
	}
	stats.TotalDocuments = count
	return stats, nil
}

func (s *Store) embedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed summary: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed summary: expected one vector, got %d", len(vectors))
	}
	return vectors[0], nil
}
