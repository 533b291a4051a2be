package app

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"horse.fit/modelx/internal/collector"
	"horse.fit/modelx/internal/config"
	"horse.fit/modelx/internal/storage"
)

func TestRunUsageExitCodes(t *testing.T) {
	t.Parallel()

	if code := Run(nil); code != 2 {
		t.Fatalf("expected 2 without command, got %d", code)
	}
	if code := Run([]string{"bogus"}); code != 2 {
		t.Fatalf("expected 2 for unknown command, got %d", code)
	}
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("expected 0 for help, got %d", code)
	}
	if code := Run([]string{"check", "--format", "xml", "some summary text"}); code != 2 {
		t.Fatalf("expected 2 for bad format, got %d", code)
	}
	if code := Run([]string{"ingest", "--tasks", "a.yaml", "--file", "b.json"}); code != 2 {
		t.Fatalf("expected 2 when both --tasks and --file are set, got %d", code)
	}
}

func TestParseSince(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		raw  string
		want time.Time
	}{
		{raw: "2026-05-14T08:30:00Z", want: time.Date(2026, 5, 14, 8, 30, 0, 0, time.UTC)},
		{raw: "2026-05-13", want: time.Date(2026, 5, 13, 0, 0, 0, 0, time.UTC)},
		{raw: "6h", want: time.Date(2026, 5, 14, 6, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parseSince(tc.raw, now)
		if err != nil {
			t.Fatalf("parseSince(%q): %v", tc.raw, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("parseSince(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}

	for _, raw := range []string{"", "yesterday", "-2h"} {
		if _, err := parseSince(raw, now); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseMetadataArgs(t *testing.T) {
	t.Parallel()

	meta, err := parseMetadataArgs([]string{"district=Colombo", "source = dmc "})
	if err != nil {
		t.Fatalf("parseMetadataArgs: %v", err)
	}
	if meta["district"] != "Colombo" || meta["source"] != "dmc" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if _, err := parseMetadataArgs([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
	if meta, err := parseMetadataArgs(nil); err != nil || meta != nil {
		t.Fatalf("expected nil metadata, got %v %v", meta, err)
	}
}

func TestSelectTasks(t *testing.T) {
	t.Parallel()

	tasks := []collector.Task{{Name: "a"}, {Name: "b"}}
	got, err := selectTasks(tasks, "b")
	if err != nil || len(got) != 1 || got[0].Name != "b" {
		t.Fatalf("unexpected selection %v %v", got, err)
	}
	if got, _ := selectTasks(tasks, ""); len(got) != 2 {
		t.Fatalf("expected all tasks, got %d", len(got))
	}
	if _, err := selectTasks(tasks, "c"); err == nil {
		t.Fatalf("expected error for unknown task")
	}
	if _, err := selectTasks(nil, ""); err == nil {
		t.Fatalf("expected error for empty task file")
	}
}

func TestTruncateForTable(t *testing.T) {
	t.Parallel()

	if got := truncateForTable("  short  ", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncateForTable("ලංකා ගංවතුර", 8); got != "ලංකා ..." {
		t.Fatalf("unexpected %q", got)
	}
}

func TestReportRowsStatus(t *testing.T) {
	t.Parallel()

	rows := reportRows([]collector.RunReport{
		{Task: "ok", Stored: 3},
		{Task: "same", Unchanged: true},
		{Task: "down", ErrorKind: collector.KindSourceUnavailable, Error: "503"},
	})
	if rows[0][len(rows[0])-1] != "" || rows[1][len(rows[1])-1] != "unchanged" {
		t.Fatalf("unexpected status columns %v", rows)
	}
	if !strings.HasPrefix(rows[2][len(rows[2])-1], "source_unavailable") {
		t.Fatalf("expected error kind in status, got %v", rows[2])
	}
}

// embedServer answers /embed with a deterministic pseudo-random vector per text.
func embedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float64, 0, len(req.Texts))
		for _, text := range req.Texts {
			h := fnv.New64a()
			_, _ = h.Write([]byte(text))
			rng := rand.New(rand.NewPCG(h.Sum64(), 7))
			vec := make([]float64, 64)
			var norm float64
			for i := range vec {
				vec[i] = rng.NormFloat64()
				norm += vec[i] * vec[i]
			}
			for i := range vec {
				vec[i] /= math.Sqrt(norm)
			}
			out = append(out, vec)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBackendsIngestCaptureFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv := embedServer(t)
	cfg := &config.Config{
		Environment:         "test",
		LogLevel:            "error",
		CacheDBPath:         filepath.Join(dir, "cache", "feeds.db"),
		CacheRetentionHours: 24,
		ExactMatchChars:     120,
		SemanticBackend:     config.SemanticBackendMemory,
		SimilarityThreshold: 0.85,
		SemanticCollection:  "test_feeds",
		EmbeddingEndpoint:   srv.URL + "/embed",
		EmbeddingMaxLength:  256,
		EmbeddingTimeout:    5 * time.Second,
		CSVExportDir:        filepath.Join(dir, "export"),
		CollectorWorkers:    2,
	}

	ctx := context.Background()
	b, err := openBackends(ctx, cfg, zerolog.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("openBackends: %v", err)
	}
	defer b.Close()

	if !b.semantic.Enabled() || b.graph.Enabled() || b.pool != nil {
		t.Fatalf("expected memory semantic store and disabled graph")
	}

	capture := filepath.Join(dir, "capture.json")
	payload := `{"results":[
		{"author":"dmc_lk","title":"Flood warning","text":"Flood warning: Kelani river rising near Hanwella","timestamp":"2026-05-14T08:00:00Z"},
		{"author":"dmc_lk","text":"Landslide alert for Ratnapura after heavy rain","timestamp":"2026-05-14T07:00:00Z"},
		{"author":"dmc_lk","title":"Flood warning","text":"Flood warning: Kelani river rising near Hanwella","timestamp":"2026-05-14T08:05:00Z"},
		{"text":"Rain"}
	]}`
	if err := os.WriteFile(capture, []byte(payload), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}

	registry, err := collector.NewToolRegistry(collector.NewFileTool(fileToolName, capture))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	task := collector.Task{Name: fileToolName, Tool: fileToolName, Platform: "twitter", Domain: "meteorological"}
	reports := newCollector(b, registry).RunAll(ctx, []collector.Task{task})
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	report := reports[0]
	if report.Error != "" || report.Fetched != 4 || report.Stored != 2 || report.ExactMatches != 1 || report.TooShort != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	decision := b.manager.IsDuplicate(ctx, "Landslide alert for Ratnapura after heavy rain", 0)
	if decision.Reason != storage.ReasonExactMatch {
		t.Fatalf("expected exact match after ingest, got %+v", decision)
	}

	events := b.manager.GetRecentFeeds(ctx, 10)
	if len(events) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(events))
	}
	for _, event := range events {
		if event.Domain != "meteorological" || event.Metadata["platform"] != "twitter" {
			t.Fatalf("expected hydrated event, got %+v", event)
		}
	}

	path, err := b.manager.ExportFeedToCSV(ctx, events, "capture.csv")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if filepath.Dir(path) != cfg.CSVExportDir {
		t.Fatalf("expected export inside %s, got %s", cfg.CSVExportDir, path)
	}
}
