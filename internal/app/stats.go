package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"horse.fit/modelx/internal/cli"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, b, err := connectBackends(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer b.Close()

	stats := b.manager.GetComprehensiveStats(ctx)
	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"exact_cache", "total_entries", fmt.Sprintf("%d", stats.ExactCache.TotalEntries)},
		{"exact_cache", "entries_last_24h", fmt.Sprintf("%d", stats.ExactCache.EntriesLast24h)},
		{"exact_cache", "db_path", stats.ExactCache.DBPath},
		{"semantic_store", "backend", stats.SemanticStore.Backend},
		{"semantic_store", "enabled", fmt.Sprintf("%t", stats.SemanticStore.Enabled)},
		{"semantic_store", "total_documents", fmt.Sprintf("%d", stats.SemanticStore.TotalDocuments)},
		{"semantic_store", "similarity_threshold", fmt.Sprintf("%.2f", stats.SemanticStore.SimilarityThreshold)},
		{"knowledge_graph", "enabled", fmt.Sprintf("%t", stats.KnowledgeGraph.Enabled)},
		{"knowledge_graph", "total_events", fmt.Sprintf("%d", stats.KnowledgeGraph.TotalEvents)},
		{"knowledge_graph", "total_posts", fmt.Sprintf("%d", stats.KnowledgeGraph.TotalPosts)},
		{"knowledge_graph", "similarity_links", fmt.Sprintf("%d", stats.KnowledgeGraph.SimilarityLinks)},
		{"knowledge_graph", "temporal_links", fmt.Sprintf("%d", stats.KnowledgeGraph.TemporalLinks)},
	}
	if reason := stats.SemanticStore.DisabledReason; reason != "" {
		rows = append(rows, []string{"semantic_store", "disabled_reason", reason})
	}
	if reason := stats.KnowledgeGraph.DisabledReason; reason != "" {
		rows = append(rows, []string{"knowledge_graph", "disabled_reason", reason})
	}

	backendsWithErrors := make([]string, 0, len(stats.BackendErrors))
	for name := range stats.BackendErrors {
		backendsWithErrors = append(backendsWithErrors, name)
	}
	sort.Strings(backendsWithErrors)
	for _, name := range backendsWithErrors {
		rows = append(rows, []string{name, "error", stats.BackendErrors[name]})
	}

	if err := writeTable([]string{"backend", "metric", "value"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render backend table: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "\nStorage contents as of %s\n", formatUTCTimestamp(time.Now()))
	return 0
}
