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

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "cleanup does not accept positional arguments")
		return 2
	}

	ctx, cancel, b, err := connectBackends(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer b.Close()

	removed := b.manager.CleanupOldData(ctx)
	fmt.Fprintf(os.Stdout, "Removed %d exact-match cache rows older than %s\n", removed, b.cfg.CacheRetention())
	return 0
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")
	since := fs.String("since", "", "Export events first seen after this RFC3339 time, day or duration")
	limit := fs.Int("limit", storage.DefaultRecentLimit, "Number of recent events to export when --since is empty")
	file := fs.String("file", "", "CSV file name inside CSV_EXPORT_DIR (default feed_YYYY-MM-DD.csv)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "export does not accept positional arguments")
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}
	var sinceTime time.Time
	if strings.TrimSpace(*since) != "" {
		parsed, err := parseSince(*since, globaltime.UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --since: %v\n", err)
			return 2
		}
		sinceTime = parsed
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
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "No events to export")
		return 0
	}

	path, err := b.manager.ExportFeedToCSV(ctx, events, *file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to export feed: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "Exported %d events to %s\n", len(events), path)
	return 0
}
