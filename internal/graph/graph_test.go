package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"horse.fit/modelx/internal/feed"
)

type recordedCall struct {
	write  bool
	query  string
	params map[string]any
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []recordedCall
	respond func(query string, params map[string]any) ([]*neo4j.Record, error)
}

func (f *fakeRunner) run(_ context.Context, write bool, query string, params map[string]any) ([]*neo4j.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{write: write, query: query, params: params})
	f.mu.Unlock()
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(query, params)
}

func record(keys []string, values ...any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

var testNow = time.Date(2026, 5, 14, 6, 0, 0, 0, time.UTC)

func newTestGraph(r *fakeRunner) *KnowledgeGraph {
	return newWithRunner(r, func() time.Time { return testNow }, zerolog.Nop())
}

func TestDisabledGraphIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := Disabled("NEO4J_ENABLED=false", zerolog.Nop())
	if g.Enabled() {
		t.Fatalf("expected disabled graph")
	}
	if err := g.AddEvent(ctx, feed.Event{EventID: "evt"}, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if linked, err := g.LinkTemporalSequence(ctx, "a", "b"); linked || err != nil {
		t.Fatalf("link temporal: %v %v", linked, err)
	}
	if clusters, err := g.GetEventClusters(ctx, 2); clusters != nil || err != nil {
		t.Fatalf("clusters: %v %v", clusters, err)
	}
	if stored, err := g.StorePost(ctx, feed.PostRecord{PostURL: "x"}); stored || err != nil {
		t.Fatalf("store post: %v %v", stored, err)
	}
	stats, err := g.Stats(ctx)
	if err != nil || stats.Enabled || stats.DisabledReason == "" {
		t.Fatalf("stats: %+v %v", stats, err)
	}
	if err := g.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestConnectDisabledByConfig(t *testing.T) {
	t.Parallel()

	g := Connect(context.Background(), Options{Enabled: false}, zerolog.Nop())
	if g.Enabled() {
		t.Fatalf("expected disabled graph when NEO4J_ENABLED=false")
	}
}

func TestAddEventMergesDomain(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	g := newTestGraph(runner)
	summary := strings.Repeat("r", 600)

	err := g.AddEvent(context.Background(), feed.Event{
		EventID:         "evt-1",
		Domain:          feed.DomainMeteorological,
		Summary:         summary,
		Severity:        feed.SeverityHigh,
		ImpactType:      feed.ImpactRisk,
		ConfidenceScore: 0.8,
		Timestamp:       "2026-05-14T06:00:00Z",
	}, map[string]any{"district": "Colombo", "raw": map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected one statement, got %d", len(runner.calls))
	}
	call := runner.calls[0]
	if !call.write || !strings.Contains(call.query, "MERGE (e)-[:BELONGS_TO]->(d)") {
		t.Fatalf("unexpected statement %q", call.query)
	}
	if got := len([]rune(call.params["summary"].(string))); got != eventSummaryLimit {
		t.Fatalf("expected summary truncated to %d, got %d", eventSummaryLimit, got)
	}
	meta := call.params["meta"].(map[string]any)
	if meta["meta_district"] != "Colombo" {
		t.Fatalf("expected flattened metadata, got %v", meta)
	}
	if _, ok := meta["meta_raw"]; ok {
		t.Fatalf("nested metadata must not reach the graph")
	}
}

func TestAddEventWrapsErrors(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{respond: func(string, map[string]any) ([]*neo4j.Record, error) {
		return nil, errors.New("connection reset")
	}}
	err := newTestGraph(runner).AddEvent(context.Background(), feed.Event{EventID: "evt-9"}, nil)
	if err == nil || !strings.Contains(err.Error(), "evt-9") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestLinkTemporalSequence(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{respond: func(_ string, params map[string]any) ([]*neo4j.Record, error) {
		linked := int64(0)
		if params["earlier_id"] == "evt-early" {
			linked = 1
		}
		return []*neo4j.Record{record([]string{"linked"}, linked)}, nil
	}}
	g := newTestGraph(runner)

	linked, err := g.LinkTemporalSequence(context.Background(), "evt-early", "evt-late")
	if err != nil || !linked {
		t.Fatalf("expected link, got %v %v", linked, err)
	}
	linked, err = g.LinkTemporalSequence(context.Background(), "evt-late", "evt-early")
	if err != nil || linked {
		t.Fatalf("expected inverted order to be refused, got %v %v", linked, err)
	}
	if !strings.Contains(runner.calls[0].query, "datetime(e2.timestamp) > datetime(e1.timestamp)") {
		t.Fatalf("temporal link must guard on strictly later timestamp")
	}
	if linked, _ := g.LinkTemporalSequence(context.Background(), "same", "same"); linked {
		t.Fatalf("self link must be refused")
	}
	if len(runner.calls) != 2 {
		t.Fatalf("self link must not reach neo4j")
	}
}

func TestGetEventClusters(t *testing.T) {
	t.Parallel()

	keys := []string{"event_id", "summary", "cluster_size"}
	runner := &fakeRunner{respond: func(_ string, params map[string]any) ([]*neo4j.Record, error) {
		if params["limit"] != clusterLimit {
			return nil, fmt.Errorf("unexpected limit %v", params["limit"])
		}
		return []*neo4j.Record{
			record(keys, "evt-a", "Flooding in Ratnapura", int64(4)),
			record(keys, "evt-b", "Fuel queue reports", int64(2)),
		}, nil
	}}

	clusters, err := newTestGraph(runner).GetEventClusters(context.Background(), 2)
	if err != nil {
		t.Fatalf("clusters: %v", err)
	}
	if len(clusters) != 2 || clusters[0].ClusterSize != 4 || clusters[1].EventID != "evt-b" {
		t.Fatalf("unexpected clusters %+v", clusters)
	}
	if runner.calls[0].params["min_size"] != 2 || runner.calls[0].write {
		t.Fatalf("unexpected call %+v", runner.calls[0])
	}
}

func TestGetEventsRestoresMetadata(t *testing.T) {
	t.Parallel()

	keys := []string{"event_id", "props"}
	runner := &fakeRunner{respond: func(_ string, params map[string]any) ([]*neo4j.Record, error) {
		ids, _ := params["ids"].([]string)
		if len(ids) != 2 {
			return nil, fmt.Errorf("unexpected ids %v", params["ids"])
		}
		return []*neo4j.Record{record(keys, "evt-a", map[string]any{
			"event_id":         "evt-a",
			"domain":           "meteorological",
			"summary":          "Flood warning for Kalutara",
			"severity":         "high",
			"impact_type":      "risk",
			"confidence_score": 0.8,
			"timestamp":        "2026-05-14T05:30:00Z",
			"created_at":       "2026-05-14T05:31:00Z",
			"meta_district":    "Kalutara",
			"meta_reports":     int64(3),
		})}, nil
	}}

	events, err := newTestGraph(runner).GetEvents(context.Background(), []string{"evt-a", "evt-missing"})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %+v", events)
	}
	got := events["evt-a"]
	if got.Domain != feed.DomainMeteorological || got.Severity != feed.SeverityHigh ||
		got.ConfidenceScore != 0.8 || got.Timestamp != "2026-05-14T05:30:00Z" {
		t.Fatalf("unexpected event %+v", got)
	}
	if len(got.Metadata) != 2 || got.Metadata["district"] != "Kalutara" || got.Metadata["reports"] != "3" {
		t.Fatalf("unexpected metadata %+v", got.Metadata)
	}
	if runner.calls[0].write {
		t.Fatalf("expected a read transaction")
	}
}

func TestGetDomainStatsAndStats(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{respond: func(query string, _ map[string]any) ([]*neo4j.Record, error) {
		if strings.Contains(query, "BELONGS_TO") {
			keys := []string{"domain", "event_count"}
			return []*neo4j.Record{
				record(keys, "meteorological", int64(21)),
				record(keys, "political", int64(3)),
			}, nil
		}
		return []*neo4j.Record{record(
			[]string{"events", "domains", "similar", "follows", "posts"},
			int64(24), int64(2), int64(5), int64(7), int64(21),
		)}, nil
	}}
	g := newTestGraph(runner)

	domains, err := g.GetDomainStats(context.Background())
	if err != nil {
		t.Fatalf("domain stats: %v", err)
	}
	if len(domains) != 2 || domains[0].Domain != "meteorological" || domains[0].EventCount != 21 {
		t.Fatalf("unexpected domain stats %+v", domains)
	}

	stats, err := g.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Enabled: true, TotalEvents: 24, TotalDomains: 2, SimilarityLinks: 5, TemporalLinks: 7, TotalPosts: 21}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
}

func TestStorePostConstraintViolationIsDuplicate(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{respond: func(_ string, params map[string]any) ([]*neo4j.Record, error) {
		if params["content_hash"] == "dup-hash" {
			return nil, &neo4j.Neo4jError{Code: constraintViolationCode, Msg: "already exists with label `Post` and property `content_hash`"}
		}
		return []*neo4j.Record{record([]string{"created"}, true)}, nil
	}}
	g := newTestGraph(runner)

	stored, err := g.StorePost(context.Background(), feed.PostRecord{PostURL: "https://a", ContentHash: "fresh", District: "Matara"})
	if err != nil || !stored {
		t.Fatalf("expected fresh post stored, got %v %v", stored, err)
	}
	if runner.calls[0].params["district"] != "Matara" || !strings.Contains(runner.calls[0].query, "LOCATED_IN") {
		t.Fatalf("expected district relationship in statement")
	}

	stored, err = g.StorePost(context.Background(), feed.PostRecord{PostURL: "https://b", ContentHash: "dup-hash"})
	if err != nil {
		t.Fatalf("constraint violation must not be an error, got %v", err)
	}
	if stored {
		t.Fatalf("constraint violation must report not stored")
	}
}

func TestStorePostOtherErrorsSurface(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{respond: func(string, map[string]any) ([]*neo4j.Record, error) {
		return nil, &neo4j.Neo4jError{Code: "Neo.TransientError.General.DatabaseUnavailable"}
	}}
	if _, err := newTestGraph(runner).StorePost(context.Background(), feed.PostRecord{PostURL: "https://c"}); err == nil {
		t.Fatalf("expected transient error to surface")
	}
}

func TestIsDuplicatePostAndCount(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{respond: func(query string, params map[string]any) ([]*neo4j.Record, error) {
		if strings.Contains(query, "WHERE p.url") {
			count := int64(0)
			if params["url"] == "https://known" {
				count = 1
			}
			return []*neo4j.Record{record([]string{"count"}, count)}, nil
		}
		return []*neo4j.Record{record([]string{"count"}, int64(42))}, nil
	}}
	g := newTestGraph(runner)

	if dup, err := g.IsDuplicatePost(context.Background(), "https://known", "h"); err != nil || !dup {
		t.Fatalf("expected duplicate, got %v %v", dup, err)
	}
	if dup, err := g.IsDuplicatePost(context.Background(), "https://new", "h2"); err != nil || dup {
		t.Fatalf("expected unique, got %v %v", dup, err)
	}
	if count, err := g.PostCount(context.Background()); err != nil || count != 42 {
		t.Fatalf("post count = %d, %v", count, err)
	}
}

func TestEnsureConstraints(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	if err := newTestGraph(runner).EnsureConstraints(context.Background()); err != nil {
		t.Fatalf("ensure constraints: %v", err)
	}
	joined := ""
	for _, call := range runner.calls {
		joined += call.query + "\n"
	}
	for _, want := range []string{"post_url_unique", "post_hash_unique", "post_timestamp", "post_platform"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in constraint setup", want)
		}
	}
}

func TestIsConstraintViolation(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("merge post: %w", &neo4j.Neo4jError{Code: constraintViolationCode})
	if !IsConstraintViolation(wrapped) {
		t.Fatalf("expected wrapped constraint violation to be detected")
	}
	if IsConstraintViolation(errors.New("boom")) {
		t.Fatalf("plain errors are not constraint violations")
	}
}
