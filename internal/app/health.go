package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/modelx/internal/cli"
)

type healthCheck struct {
	Backend string `json:"backend"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Second, "Backend check timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, b, err := connectBackends(*timeout, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer cancel()
	defer b.Close()

	checks := make([]healthCheck, 0, 4)
	healthy := true

	if err := b.cache.Ping(ctx); err != nil {
		healthy = false
		checks = append(checks, healthCheck{Backend: "exact_cache", Status: "error", Detail: err.Error()})
	} else {
		checks = append(checks, healthCheck{Backend: "exact_cache", Status: "ok", Detail: b.cache.Path()})
	}

	if b.pool != nil {
		if err := b.pool.Ping(ctx); err != nil {
			checks = append(checks, healthCheck{Backend: "postgres", Status: "error", Detail: err.Error()})
		} else {
			checks = append(checks, healthCheck{Backend: "postgres", Status: "ok"})
		}
	}

	semStats, err := b.semantic.Stats(ctx)
	switch {
	case err != nil:
		checks = append(checks, healthCheck{Backend: "semantic_store", Status: "error", Detail: err.Error()})
	case !semStats.Enabled:
		checks = append(checks, healthCheck{Backend: "semantic_store", Status: "disabled", Detail: semStats.DisabledReason})
	default:
		checks = append(checks, healthCheck{Backend: "semantic_store", Status: "ok", Detail: semStats.Backend})
	}

	graphStats, err := b.graph.Stats(ctx)
	switch {
	case err != nil:
		checks = append(checks, healthCheck{Backend: "knowledge_graph", Status: "error", Detail: err.Error()})
	case !graphStats.Enabled:
		checks = append(checks, healthCheck{Backend: "knowledge_graph", Status: "disabled", Detail: graphStats.DisabledReason})
	default:
		checks = append(checks, healthCheck{Backend: "knowledge_graph", Status: "ok", Detail: graphStats.URI})
	}

	b.logger.Info().Bool("healthy", healthy).Int("checks", len(checks)).Msg("backend health check finished")

	if outputFormat == outputFormatJSON {
		if err := printJSON(checks); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		rows := make([][]string, 0, len(checks))
		for _, c := range checks {
			rows = append(rows, []string{c.Backend, c.Status, c.Detail})
		}
		if err := writeTable([]string{"backend", "status", "detail"}, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
			return 1
		}
	}
	if !healthy {
		return 1
	}
	return 0
}
