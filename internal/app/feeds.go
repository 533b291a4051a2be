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
	"horse.fit/modelx/internal/globaltime"
	"horse.fit/modelx/internal/storage"
)

func runFeeds(args []string) int {
	fs := flag.NewFlagSet("feeds", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	limit := fs.Int("limit", storage.DefaultRecentLimit, "Maximum events to list (newest first)")
	since := fs.String("since", "", "List events first seen after this RFC3339 time, day or duration (oldest first)")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "feeds does not accept positional arguments")
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}
	var sinceTime time.Time
	if strings.TrimSpace(*since) != "" {
		sinceTime, err = parseSince(*since, globaltime.UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --since: %v\n", err)
			return 2
		}
	}

	ctx, cancel, b, err := connectBackends(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer b.Close()

	var events []feed.Event
	if sinceTime.IsZero() {
		events = b.manager.GetRecentFeeds(ctx, *limit)
	} else {
		events = b.manager.GetFeedsSince(ctx, sinceTime)
		if len(events) > *limit {
			events = events[:*limit]
		}
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(events); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	if err := writeTable(eventHeaders, eventRows(events)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}
