package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/modelx/internal/cli"
	"horse.fit/modelx/internal/feed"
	"horse.fit/modelx/internal/storage"
)

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	summary := fs.String("summary", "", "Summary text to check (or pass it as the positional argument)")
	threshold := fs.Float64("threshold", 0, "Semantic similarity threshold (0 uses SEMANTIC_SIMILARITY_THRESHOLD)")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	text := strings.TrimSpace(*summary)
	if text == "" {
		text = strings.TrimSpace(strings.Join(fs.Args(), " "))
	}
	if text == "" {
		fmt.Fprintln(os.Stderr, "check requires --summary or a positional summary")
		return 2
	}
	if *threshold < 0 || *threshold > 1 {
		fmt.Fprintln(os.Stderr, "--threshold must be in [0,1]")
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

	decision := b.manager.IsDuplicate(ctx, text, *threshold)
	if outputFormat == outputFormatJSON {
		if err := printJSON(decision); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	row := []string{fmt.Sprintf("%t", decision.Duplicate), string(decision.Reason), "", ""}
	if decision.Match != nil {
		row[2] = decision.Match.EventID
		if decision.Match.Similarity > 0 {
			row[3] = fmt.Sprintf("%.4f", decision.Match.Similarity)
		}
	}
	if err := writeTable([]string{"duplicate", "reason", "match_event_id", "similarity"}, [][]string{row}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

type storeOutput struct {
	Decision storage.Decision     `json:"decision"`
	Result   *storage.StoreResult `json:"result,omitempty"`
}

func runStore(args []string) int {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")
	eventID := fs.String("event-id", "", "Event ID (generated when empty)")
	summary := fs.String("summary", "", "Event summary")
	domain := fs.String("domain", "", "Event domain")
	severity := fs.String("severity", string(feed.SeverityMedium), "Severity: low, medium or high")
	impact := fs.String("impact", string(feed.ImpactRisk), "Impact type: risk or opportunity")
	confidence := fs.Float64("confidence", 0.7, "Confidence score in [0,1]")
	threshold := fs.Float64("threshold", 0, "Semantic similarity threshold (0 uses SEMANTIC_SIMILARITY_THRESHOLD)")
	force := fs.Bool("force", false, "Store without the duplicate check")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	metadata, err := parseMetadataArgs(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid metadata: %v\n", err)
		return 2
	}
	event := feed.Event{
		EventID:         strings.TrimSpace(*eventID),
		Domain:          feed.Domain(strings.ToLower(strings.TrimSpace(*domain))),
		Summary:         strings.TrimSpace(*summary),
		Severity:        feed.Severity(strings.ToLower(strings.TrimSpace(*severity))),
		ImpactType:      feed.ImpactType(strings.ToLower(strings.TrimSpace(*impact))),
		ConfidenceScore: *confidence,
	}
	if event.Summary == "" {
		fmt.Fprintln(os.Stderr, "--summary is required")
		return 2
	}
	if _, err := feed.ParseDomain(string(event.Domain)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --domain: %v\n", err)
		return 2
	}

	ctx, cancel, b, err := connectBackends(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer b.Close()

	out := storeOutput{Decision: storage.Decision{Reason: storage.ReasonUnique}}
	if !*force {
		out.Decision = b.manager.IsDuplicate(ctx, event.Summary, *threshold)
	}
	if out.Decision.Unique() {
		result := b.manager.StoreEvent(ctx, storage.StoreRequest{Event: event, Metadata: metadata})
		out.Result = &result
	}

	if err := printJSON(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	if out.Result != nil && !out.Result.Stored() {
		return 1
	}
	return 0
}
