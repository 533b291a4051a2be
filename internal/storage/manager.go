// Package storage coordinates the three deduplication tiers and is the only
// entry point collectors use to decide and persist events.
package storage

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/modelx/internal/cache"
	"horse.fit/modelx/internal/feed"
	"horse.fit/modelx/internal/globaltime"
	"horse.fit/modelx/internal/graph"
	"horse.fit/modelx/internal/metrics"
	"horse.fit/modelx/internal/semantic"
)

const (
	MinSummaryChars  = 10
	DefaultRetention = 24 * time.Hour

	backendCache    = "exact_cache"
	backendSemantic = "semantic_store"
	backendGraph    = "knowledge_graph"
	stageValidation = "validation"
)

type Reason string

const (
	ReasonTooShort      Reason = "too_short"
	ReasonExactMatch    Reason = "exact_match"
	ReasonSemanticMatch Reason = "semantic_match"
	ReasonUnique        Reason = "unique"
)

type ExactCache interface {
	HasExactMatch(ctx context.Context, text string, retention time.Duration) (string, bool, error)
	AddEntry(ctx context.Context, text, eventID string) error
	CleanupOldEntries(ctx context.Context, retention time.Duration) (int64, error)
	Recent(ctx context.Context, limit int) ([]cache.Entry, error)
	Since(ctx context.Context, t time.Time) ([]cache.Entry, error)
	Stats(ctx context.Context) (cache.Stats, error)
}

type SemanticStore interface {
	Enabled() bool
	FindSimilar(ctx context.Context, summary string, threshold float64, n int) (*semantic.Match, error)
	AddEvent(ctx context.Context, id, summary string, metadata map[string]any) error
	Get(ctx context.Context, ids []string) (map[string]semantic.Document, error)
	Stats(ctx context.Context) (semantic.Stats, error)
}

type GraphStore interface {
	Enabled() bool
	AddEvent(ctx context.Context, event feed.Event, metadata map[string]any) error
	LinkSimilarEvents(ctx context.Context, id1, id2 string, similarity float64) error
	LinkTemporalSequence(ctx context.Context, earlierID, laterID string) (bool, error)
	GetEventClusters(ctx context.Context, minSize int) ([]graph.Cluster, error)
	GetDomainStats(ctx context.Context) ([]graph.DomainCount, error)
	GetEvents(ctx context.Context, ids []string) (map[string]feed.Event, error)
	Stats(ctx context.Context) (graph.Stats, error)
}

// Match identifies what a rejected candidate duplicated. Exact matches only
// carry EventID.
type Match struct {
	EventID    string            `json:"event_id"`
	Similarity float64           `json:"similarity,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Decision struct {
	Duplicate bool   `json:"is_duplicate"`
	Reason    Reason `json:"reason"`
	Match     *Match `json:"match,omitempty"`
}

// Unique reports whether the candidate should be stored.
func (d Decision) Unique() bool {
	return d.Reason == ReasonUnique
}

type StoreRequest struct {
	Event    feed.Event
	Metadata map[string]any
}

type StoreResult struct {
	EventID        string            `json:"event_id"`
	CacheStored    bool              `json:"cache_stored"`
	SemanticStored bool              `json:"semantic_stored"`
	GraphStored    bool              `json:"graph_stored"`
	Failures       map[string]string `json:"failures,omitempty"`
}

// Stored reports whether at least one backend accepted the event.
func (r StoreResult) Stored() bool {
	return r.CacheStored || r.SemanticStored || r.GraphStored
}

type DedupStats struct {
	TotalProcessed     int64   `json:"total_processed"`
	ExactDuplicates    int64   `json:"exact_duplicates"`
	SemanticDuplicates int64   `json:"semantic_duplicates"`
	UniqueStored       int64   `json:"unique_stored"`
	Errors             int64   `json:"errors"`
	DedupRate          float64 `json:"dedup_rate"`
}

type ComprehensiveStats struct {
	Deduplication  DedupStats        `json:"deduplication"`
	ExactCache     cache.Stats       `json:"exact_cache"`
	SemanticStore  semantic.Stats    `json:"semantic_store"`
	KnowledgeGraph graph.Stats       `json:"knowledge_graph"`
	BackendErrors  map[string]string `json:"backend_errors,omitempty"`
}

type Options struct {
	Retention time.Duration
	Threshold float64
	ExportDir string
	Now       func() time.Time
	Metrics   *metrics.Metrics
}

type Manager struct {
	cache     ExactCache
	semantic  SemanticStore
	graph     GraphStore
	retention time.Duration
	threshold float64
	exportDir string
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	statsMu sync.Mutex
	stats   DedupStats

	exportMu sync.Mutex
}

func NewManager(exact ExactCache, sem SemanticStore, kg GraphStore, opts Options, logger zerolog.Logger) *Manager {
	m := &Manager{
		cache:     exact,
		semantic:  sem,
		graph:     kg,
		retention: opts.Retention,
		threshold: opts.Threshold,
		exportDir: strings.TrimSpace(opts.ExportDir),
		now:       opts.Now,
		metrics:   opts.Metrics,
		logger:    logger,
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	if m.threshold <= 0 || m.threshold > 1 {
		m.threshold = semantic.DefaultThreshold
	}
	if m.exportDir == "" {
		m.exportDir = DefaultExportDir
	}
	if m.now == nil {
		m.now = globaltime.UTC
	}
	return m
}

func (m *Manager) Threshold() float64 {
	return m.threshold
}

// IsDuplicate runs the tiers in order and stops at the first hit. A failing
// tier is logged and counted and the candidate moves on to the next tier.
func (m *Manager) IsDuplicate(ctx context.Context, summary string, threshold float64) Decision {
	summary = strings.TrimSpace(summary)
	if utf8.RuneCountInString(summary) < MinSummaryChars {
		m.metrics.Decision(string(ReasonTooShort))
		return Decision{Reason: ReasonTooShort}
	}
	if threshold <= 0 {
		threshold = m.threshold
	}

	m.bump(func(s *DedupStats) { s.TotalProcessed++ })

	eventID, found, err := m.cache.HasExactMatch(ctx, summary, m.retention)
	if err != nil {
		m.backendFailure(backendCache, "has_exact_match", err)
	} else if found {
		m.bump(func(s *DedupStats) { s.ExactDuplicates++ })
		m.metrics.Decision(string(ReasonExactMatch))
		m.logger.Debug().Str("matched_event_id", eventID).Msg("exact duplicate")
		return Decision{Duplicate: true, Reason: ReasonExactMatch, Match: &Match{EventID: eventID}}
	}

	similar, err := m.semantic.FindSimilar(ctx, summary, threshold, 1)
	if err != nil {
		m.backendFailure(backendSemantic, "find_similar", err)
	} else if similar != nil {
		m.bump(func(s *DedupStats) { s.SemanticDuplicates++ })
		m.metrics.Decision(string(ReasonSemanticMatch))
		m.logger.Debug().
			Str("matched_event_id", similar.ID).
			Float64("similarity", similar.Similarity).
			Msg("semantic duplicate")
		return Decision{
			Duplicate: true,
			Reason:    ReasonSemanticMatch,
			Match: &Match{
				EventID:    similar.ID,
				Similarity: similar.Similarity,
				Summary:    similar.Summary,
				Metadata:   similar.Metadata,
			},
		}
	}

	m.metrics.Decision(string(ReasonUnique))
	return Decision{Reason: ReasonUnique}
}

// StoreEvent writes an accepted event to every backend. Backends are written
// in sequence without rollback; failures are reported in the result.
func (m *Manager) StoreEvent(ctx context.Context, req StoreRequest) StoreResult {
	event := req.Event
	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = uuid.NewString()
	}
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = feed.FormatTimestamp(m.now())
	}
	event.Summary = strings.TrimSpace(event.Summary)

	result := StoreResult{EventID: event.EventID}
	if err := event.Validate(); err != nil {
		m.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("rejecting invalid event")
		m.bump(func(s *DedupStats) { s.Errors++ })
		result.Failures = map[string]string{stageValidation: err.Error()}
		return result
	}

	fail := func(backend, op string, err error) {
		m.backendFailure(backend, op, err)
		if result.Failures == nil {
			result.Failures = make(map[string]string, 3)
		}
		result.Failures[backend] = err.Error()
	}

	if err := m.cache.AddEntry(ctx, event.Summary, event.EventID); err != nil {
		fail(backendCache, "add_entry", err)
	} else {
		result.CacheStored = true
		m.metrics.BackendWrite(backendCache)
	}

	if m.semantic.Enabled() {
		if err := m.semantic.AddEvent(ctx, event.EventID, event.Summary, semanticMetadata(event, req.Metadata)); err != nil {
			fail(backendSemantic, "add_event", err)
		} else {
			result.SemanticStored = true
			m.metrics.BackendWrite(backendSemantic)
		}
	}

	if m.graph.Enabled() {
		if err := m.graph.AddEvent(ctx, event, req.Metadata); err != nil {
			fail(backendGraph, "add_event", err)
		} else {
			result.GraphStored = true
			m.metrics.BackendWrite(backendGraph)
		}
	}

	if result.Stored() {
		m.bump(func(s *DedupStats) { s.UniqueStored++ })
		m.metrics.EventStored()
		m.logger.Debug().Str("event_id", event.EventID).Str("domain", string(event.Domain)).Msg("stored event")
	}
	return result
}

// LinkSimilarEvents records a SIMILAR_TO edge. Failures are logged and counted.
func (m *Manager) LinkSimilarEvents(ctx context.Context, id1, id2 string, similarity float64) {
	if !m.graph.Enabled() {
		return
	}
	if err := m.graph.LinkSimilarEvents(ctx, id1, id2, similarity); err != nil {
		m.backendFailure(backendGraph, "link_similar", err)
	}
}

// LinkTemporalSequence records earlierID FOLLOWS laterID ordering when the
// timestamps allow it.
func (m *Manager) LinkTemporalSequence(ctx context.Context, earlierID, laterID string) bool {
	if !m.graph.Enabled() {
		return false
	}
	linked, err := m.graph.LinkTemporalSequence(ctx, earlierID, laterID)
	if err != nil {
		m.backendFailure(backendGraph, "link_temporal", err)
		return false
	}
	return linked
}

func (m *Manager) EventClusters(ctx context.Context, minSize int) ([]graph.Cluster, error) {
	return m.graph.GetEventClusters(ctx, minSize)
}

func (m *Manager) DomainStats(ctx context.Context) ([]graph.DomainCount, error) {
	return m.graph.GetDomainStats(ctx)
}

// CleanupOldData sweeps cache rows outside the retention window.
func (m *Manager) CleanupOldData(ctx context.Context) int64 {
	deleted, err := m.cache.CleanupOldEntries(ctx, m.retention)
	if err != nil {
		m.backendFailure(backendCache, "cleanup", err)
		return 0
	}
	m.metrics.CacheEvicted(deleted)
	if deleted > 0 {
		m.logger.Info().Int64("deleted", deleted).Msg("removed expired cache entries")
	}
	return deleted
}

// FeedCount is the number of cache rows currently retained.
func (m *Manager) FeedCount(ctx context.Context) int64 {
	stats, err := m.cache.Stats(ctx)
	if err != nil {
		m.backendFailure(backendCache, "stats", err)
		return 0
	}
	return stats.TotalEntries
}

func (m *Manager) Stats() DedupStats {
	m.statsMu.Lock()
	out := m.stats
	m.statsMu.Unlock()

	processed := max(out.TotalProcessed, 1)
	rate := float64(out.ExactDuplicates+out.SemanticDuplicates) / float64(processed) * 100
	out.DedupRate = math.Round(rate*100) / 100
	return out
}

func (m *Manager) GetComprehensiveStats(ctx context.Context) ComprehensiveStats {
	out := ComprehensiveStats{Deduplication: m.Stats()}
	record := func(backend string, err error) {
		if err == nil {
			return
		}
		m.logger.Warn().Err(err).Str("backend", backend).Msg("collect backend stats")
		if out.BackendErrors == nil {
			out.BackendErrors = make(map[string]string, 3)
		}
		out.BackendErrors[backend] = err.Error()
	}

	var err error
	out.ExactCache, err = m.cache.Stats(ctx)
	record(backendCache, err)
	out.SemanticStore, err = m.semantic.Stats(ctx)
	record(backendSemantic, err)
	out.KnowledgeGraph, err = m.graph.Stats(ctx)
	record(backendGraph, err)
	return out
}

func (m *Manager) bump(apply func(*DedupStats)) {
	m.statsMu.Lock()
	apply(&m.stats)
	m.statsMu.Unlock()
}

func (m *Manager) backendFailure(backend, op string, err error) {
	m.bump(func(s *DedupStats) { s.Errors++ })
	m.metrics.BackendError(backend, op)
	m.logger.Warn().Err(err).Str("backend", backend).Str("operation", op).Msg("storage backend call failed")
}

// semanticMetadata is the caller metadata overlaid with the core event fields
// the read path needs back.
func semanticMetadata(event feed.Event, extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		out[k] = v
	}
	out[metaDomain] = string(event.Domain)
	out[metaSeverity] = string(event.Severity)
	out[metaImpactType] = string(event.ImpactType)
	out[metaConfidence] = event.ConfidenceScore
	out[metaTimestamp] = event.Timestamp
	return out
}
