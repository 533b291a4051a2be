// Package graph persists accepted events and raw posts in Neo4j. It is the
// system of record; when Neo4j is off or unreachable every method is a no-op.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"horse.fit/modelx/internal/feed"
	"horse.fit/modelx/internal/globaltime"
)

const (
	clusterLimit      = 10
	eventSummaryLimit = 500
	metaPrefix        = "meta_"

	constraintViolationCode = "Neo.ClientError.Schema.ConstraintValidationFailed"
)

type Options struct {
	Enabled  bool
	URI      string
	User     string
	Password string
	Database string
}

type Cluster struct {
	EventID     string `json:"event_id"`
	Summary     string `json:"summary"`
	ClusterSize int64  `json:"cluster_size"`
}

type DomainCount struct {
	Domain     string `json:"domain"`
	EventCount int64  `json:"event_count"`
}

type Stats struct {
	Enabled         bool   `json:"enabled"`
	TotalEvents     int64  `json:"total_events"`
	TotalDomains    int64  `json:"total_domains"`
	SimilarityLinks int64  `json:"similarity_links"`
	TemporalLinks   int64  `json:"temporal_links"`
	TotalPosts      int64  `json:"total_posts"`
	URI             string `json:"uri,omitempty"`
	DisabledReason  string `json:"disabled_reason,omitempty"`
}

// runner executes one Cypher statement and returns all records.
type runner interface {
	run(ctx context.Context, write bool, query string, params map[string]any) ([]*neo4j.Record, error)
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d driverRunner) run(ctx context.Context, write bool, query string, params map[string]any) ([]*neo4j.Record, error) {
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: d.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

type KnowledgeGraph struct {
	runner         runner
	driver         neo4j.DriverWithContext
	uri            string
	now            func() time.Time
	logger         zerolog.Logger
	disabledReason string
}

// Connect opens the driver and verifies connectivity. Any failure yields a
// disabled graph rather than an error.
func Connect(ctx context.Context, opts Options, logger zerolog.Logger) *KnowledgeGraph {
	if !opts.Enabled {
		return Disabled("NEO4J_ENABLED=false", logger)
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.User, opts.Password, ""))
	if err != nil {
		logger.Warn().Err(err).Str("uri", opts.URI).Msg("neo4j driver init failed, graph disabled")
		return Disabled(fmt.Sprintf("driver init failed: %v", err), logger)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		logger.Warn().Err(err).Str("uri", opts.URI).Msg("neo4j unreachable, graph disabled")
		return Disabled(fmt.Sprintf("connectivity check failed: %v", err), logger)
	}

	g := &KnowledgeGraph{
		runner: driverRunner{driver: driver, database: opts.Database},
		driver: driver,
		uri:    opts.URI,
		now:    globaltime.UTC,
		logger: logger,
	}
	if err := g.EnsureConstraints(ctx); err != nil {
		logger.Warn().Err(err).Msg("neo4j constraint setup failed")
	}
	logger.Info().Str("uri", opts.URI).Msg("neo4j knowledge graph connected")
	return g
}

func Disabled(reason string, logger zerolog.Logger) *KnowledgeGraph {
	return &KnowledgeGraph{now: globaltime.UTC, logger: logger, disabledReason: reason}
}

func newWithRunner(r runner, now func() time.Time, logger zerolog.Logger) *KnowledgeGraph {
	return &KnowledgeGraph{runner: r, now: now, logger: logger}
}

func (g *KnowledgeGraph) Enabled() bool {
	return g != nil && g.runner != nil && g.disabledReason == ""
}

func (g *KnowledgeGraph) Close(ctx context.Context) error {
	if g == nil || g.driver == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

// EnsureConstraints creates the Post uniqueness constraints and lookup indexes.
func (g *KnowledgeGraph) EnsureConstraints(ctx context.Context) error {
	if !g.Enabled() {
		return nil
	}
	statements := []string{
		"CREATE CONSTRAINT post_url_unique IF NOT EXISTS FOR (p:Post) REQUIRE p.url IS UNIQUE",
		"CREATE CONSTRAINT post_hash_unique IF NOT EXISTS FOR (p:Post) REQUIRE p.content_hash IS UNIQUE",
		"CREATE CONSTRAINT event_id_unique IF NOT EXISTS FOR (e:Event) REQUIRE e.event_id IS UNIQUE",
		"CREATE INDEX post_timestamp IF NOT EXISTS FOR (p:Post) ON (p.timestamp)",
		"CREATE INDEX post_platform IF NOT EXISTS FOR (p:Post) ON (p.platform)",
	}
	for _, statement := range statements {
		if _, err := g.runner.run(ctx, true, statement, nil); err != nil {
			return fmt.Errorf("apply %q: %w", statement, err)
		}
	}
	return nil
}

// AddEvent upserts the Event node and its BELONGS_TO edge to the Domain.
func (g *KnowledgeGraph) AddEvent(ctx context.Context, event feed.Event, metadata map[string]any) error {
	if !g.Enabled() {
		return nil
	}

	meta := make(map[string]any)
	for key, value := range feed.FlattenMetadata(metadata) {
		meta[metaPrefix+key] = value
	}

	_, err := g.runner.run(ctx, true, `
		MERGE (e:Event {event_id: $event_id})
		ON CREATE SET e.created_at = $created_at
		SET e.domain = $domain,
			e.summary = $summary,
			e.severity = $severity,
			e.impact_type = $impact_type,
			e.confidence_score = $confidence_score,
			e.timestamp = $timestamp
		SET e += $meta
		MERGE (d:Domain {name: $domain})
		MERGE (e)-[:BELONGS_TO]->(d)
	`, map[string]any{
		"event_id":         event.EventID,
		"domain":           string(event.Domain),
		"summary":          truncate(event.Summary, eventSummaryLimit),
		"severity":         string(event.Severity),
		"impact_type":      string(event.ImpactType),
		"confidence_score": event.ConfidenceScore,
		"timestamp":        event.Timestamp,
		"created_at":       feed.FormatTimestamp(g.now()),
		"meta":             meta,
	})
	if err != nil {
		return fmt.Errorf("merge event %s: %w", event.EventID, err)
	}
	return nil
}

// LinkSimilarEvents records an undirected SIMILAR_TO edge with its weight.
func (g *KnowledgeGraph) LinkSimilarEvents(ctx context.Context, id1, id2 string, similarity float64) error {
	if !g.Enabled() || id1 == id2 {
		return nil
	}
	_, err := g.runner.run(ctx, true, `
		MATCH (e1:Event {event_id: $id1})
		MATCH (e2:Event {event_id: $id2})
		MERGE (e1)-[r:SIMILAR_TO]-(e2)
		SET r.similarity = $similarity, r.linked_at = $linked_at
	`, map[string]any{
		"id1":        id1,
		"id2":        id2,
		"similarity": similarity,
		"linked_at":  feed.FormatTimestamp(g.now()),
	})
	if err != nil {
		return fmt.Errorf("link similar events: %w", err)
	}
	return nil
}

// LinkTemporalSequence adds earlier-[:FOLLOWS]->later only when the later
// event's timestamp is strictly greater. It reports whether the edge exists.
func (g *KnowledgeGraph) LinkTemporalSequence(ctx context.Context, earlierID, laterID string) (bool, error) {
	if !g.Enabled() || earlierID == laterID {
		return false, nil
	}
	records, err := g.runner.run(ctx, true, `
		MATCH (e1:Event {event_id: $earlier_id})
		MATCH (e2:Event {event_id: $later_id})
		WHERE datetime(e2.timestamp) > datetime(e1.timestamp)
		MERGE (e1)-[r:FOLLOWS]->(e2)
		ON CREATE SET r.created_at = $created_at
		RETURN count(r) AS linked
	`, map[string]any{
		"earlier_id": earlierID,
		"later_id":   laterID,
		"created_at": feed.FormatTimestamp(g.now()),
	})
	if err != nil {
		return false, fmt.Errorf("link temporal sequence: %w", err)
	}
	return len(records) > 0 && int64Value(records[0], "linked") > 0, nil
}

// GetEventClusters returns events with at least minSize SIMILAR_TO neighbors,
// largest first.
func (g *KnowledgeGraph) GetEventClusters(ctx context.Context, minSize int) ([]Cluster, error) {
	if !g.Enabled() {
		return nil, nil
	}
	if minSize < 1 {
		minSize = 1
	}
	records, err := g.runner.run(ctx, false, `
		MATCH (e1:Event)-[:SIMILAR_TO]-(e2:Event)
		WITH e1, collect(DISTINCT e2) AS similar_events
		WHERE size(similar_events) >= $min_size
		RETURN e1.event_id AS event_id,
			e1.summary AS summary,
			size(similar_events) AS cluster_size
		ORDER BY cluster_size DESC, event_id
		LIMIT $limit
	`, map[string]any{"min_size": minSize, "limit": clusterLimit})
	if err != nil {
		return nil, fmt.Errorf("query event clusters: %w", err)
	}

	clusters := make([]Cluster, 0, len(records))
	for _, record := range records {
		clusters = append(clusters, Cluster{
			EventID:     stringValue(record, "event_id"),
			Summary:     stringValue(record, "summary"),
			ClusterSize: int64Value(record, "cluster_size"),
		})
	}
	return clusters, nil
}

func (g *KnowledgeGraph) GetDomainStats(ctx context.Context) ([]DomainCount, error) {
	if !g.Enabled() {
		return nil, nil
	}
	records, err := g.runner.run(ctx, false, `
		MATCH (e:Event)-[:BELONGS_TO]->(d:Domain)
		RETURN d.name AS domain, count(e) AS event_count
		ORDER BY event_count DESC, domain
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("query domain stats: %w", err)
	}

	out := make([]DomainCount, 0, len(records))
	for _, record := range records {
		out = append(out, DomainCount{
			Domain:     stringValue(record, "domain"),
			EventCount: int64Value(record, "event_count"),
		})
	}
	return out, nil
}

// GetEvents loads Event nodes by id. Caller metadata comes back from the
// meta_ properties with the prefix stripped. Unknown ids are absent from the
// result.
func (g *KnowledgeGraph) GetEvents(ctx context.Context, ids []string) (map[string]feed.Event, error) {
	if !g.Enabled() || len(ids) == 0 {
		return nil, nil
	}
	records, err := g.runner.run(ctx, false, `
		MATCH (e:Event)
		WHERE e.event_id IN $ids
		RETURN e.event_id AS event_id, properties(e) AS props
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make(map[string]feed.Event, len(records))
	for _, record := range records {
		id := stringValue(record, "event_id")
		if id == "" {
			continue
		}
		raw, _ := record.Get("props")
		props, _ := raw.(map[string]any)
		out[id] = eventFromProps(id, props)
	}
	return out, nil
}

func eventFromProps(id string, props map[string]any) feed.Event {
	event := feed.Event{
		EventID:    id,
		Domain:     feed.Domain(propString(props["domain"])),
		Summary:    propString(props["summary"]),
		Severity:   feed.Severity(propString(props["severity"])),
		ImpactType: feed.ImpactType(propString(props["impact_type"])),
		Timestamp:  propString(props["timestamp"]),
	}
	switch v := props["confidence_score"].(type) {
	case float64:
		event.ConfidenceScore = v
	case int64:
		event.ConfidenceScore = float64(v)
	}
	for key, value := range props {
		name, ok := strings.CutPrefix(key, metaPrefix)
		if !ok || name == "" || value == nil {
			continue
		}
		if event.Metadata == nil {
			event.Metadata = make(map[string]string)
		}
		event.Metadata[name] = propString(value)
	}
	return event
}

func propString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (g *KnowledgeGraph) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Enabled: g.Enabled(), URI: g.uri, DisabledReason: g.disabledReason}
	if !stats.Enabled {
		return stats, nil
	}
	records, err := g.runner.run(ctx, false, `
		CALL { MATCH (e:Event) RETURN count(e) AS events }
		CALL { MATCH (d:Domain) RETURN count(d) AS domains }
		CALL { MATCH ()-[r:SIMILAR_TO]->() RETURN count(r) AS similar }
		CALL { MATCH ()-[r:FOLLOWS]->() RETURN count(r) AS follows }
		CALL { MATCH (p:Post) RETURN count(p) AS posts }
		RETURN events, domains, similar, follows, posts
	`, nil)
	if err != nil {
		return stats, fmt.Errorf("query graph stats: %w", err)
	}
	if len(records) > 0 {
		record := records[0]
		stats.TotalEvents = int64Value(record, "events")
		stats.TotalDomains = int64Value(record, "domains")
		stats.SimilarityLinks = int64Value(record, "similar")
		stats.TemporalLinks = int64Value(record, "follows")
		stats.TotalPosts = int64Value(record, "posts")
	}
	return stats, nil
}

// StorePost merges a Post on its url and links it to its District. It
// reports false without error when the post already existed or when a
// uniqueness constraint rejected it.
func (g *KnowledgeGraph) StorePost(ctx context.Context, post feed.PostRecord) (bool, error) {
	if !g.Enabled() {
		return false, nil
	}
	engagement, err := json.Marshal(post.Engagement)
	if err != nil {
		return false, fmt.Errorf("encode engagement: %w", err)
	}
	now := feed.FormatTimestamp(g.now())

	records, err := g.runner.run(ctx, true, `
		MERGE (p:Post {url: $url})
		ON CREATE SET p.first_seen = $now
		SET p.content_hash = $content_hash,
			p.post_id = $post_id,
			p.timestamp = $timestamp,
			p.platform = $platform,
			p.category = $category,
			p.district = $district,
			p.poster = $poster,
			p.title = $title,
			p.text = $text,
			p.engagement = $engagement,
			p.source_tool = $source_tool,
			p.language = $language,
			p.updated_at = $now
		FOREACH (_ IN CASE WHEN $district <> '' THEN [1] ELSE [] END |
			MERGE (d:District {name: $district})
			MERGE (p)-[:LOCATED_IN]->(d)
		)
		RETURN p.first_seen = $now AS created
	`, map[string]any{
		"url":          post.PostURL,
		"content_hash": post.ContentHash,
		"post_id":      post.PostID,
		"timestamp":    post.Timestamp,
		"platform":     post.Platform,
		"category":     post.Category,
		"district":     post.District,
		"poster":       post.Poster,
		"title":        truncate(post.Title, feed.MaxTitleLen),
		"text":         truncate(post.Text, feed.MaxTextLen),
		"engagement":   string(engagement),
		"source_tool":  post.SourceTool,
		"language":     post.Language,
		"now":          now,
	})
	if err != nil {
		if IsConstraintViolation(err) {
			g.logger.Debug().Str("url", post.PostURL).Str("content_hash", post.ContentHash).Msg("post rejected by uniqueness constraint")
			return false, nil
		}
		return false, fmt.Errorf("merge post: %w", err)
	}
	return len(records) > 0 && boolValue(records[0], "created"), nil
}

// IsDuplicatePost reports whether a Post with the url or content hash exists.
func (g *KnowledgeGraph) IsDuplicatePost(ctx context.Context, url, contentHash string) (bool, error) {
	if !g.Enabled() {
		return false, nil
	}
	records, err := g.runner.run(ctx, false, `
		MATCH (p:Post)
		WHERE p.url = $url OR p.content_hash = $hash
		RETURN count(p) AS count
	`, map[string]any{"url": url, "hash": contentHash})
	if err != nil {
		return false, fmt.Errorf("check duplicate post: %w", err)
	}
	return len(records) > 0 && int64Value(records[0], "count") > 0, nil
}

func (g *KnowledgeGraph) PostCount(ctx context.Context) (int64, error) {
	if !g.Enabled() {
		return 0, nil
	}
	records, err := g.runner.run(ctx, false, `MATCH (p:Post) RETURN count(p) AS count`, nil)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int64Value(records[0], "count"), nil
}

// IsConstraintViolation reports whether err is a Neo4j schema constraint failure.
func IsConstraintViolation(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return neoErr.Code == constraintViolationCode
	}
	return false
}

func stringValue(record *neo4j.Record, key string) string {
	value, ok := record.Get(key)
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

func int64Value(record *neo4j.Record, key string) int64 {
	value, ok := record.Get(key)
	if !ok || value == nil {
		return 0
	}
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func boolValue(record *neo4j.Record, key string) bool {
	value, ok := record.Get(key)
	if !ok {
		return false
	}
	b, _ := value.(bool)
	return b
}

func truncate(value string, maxLen int) string {
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) <= maxLen {
		return value
	}
	return string([]rune(value)[:maxLen])
}
