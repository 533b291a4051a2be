package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "check":
		return runCheck(args[1:])
	case "store":
		return runStore(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "feeds":
		return runFeeds(args[1:])
	case "stats":
		return runStats(args[1:])
	case "cleanup":
		return runCleanup(args[1:])
	case "export":
		return runExport(args[1:])
	case "clusters":
		return runClusters(args[1:])
	case "health":
		return runHealth(args[1:])
	case "run":
		return runDaemon(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "modelx CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  modelx <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  check     Report whether a summary duplicates a stored event")
	fmt.Fprintln(os.Stderr, "  store     Deduplicate and store one event")
	fmt.Fprintln(os.Stderr, "  ingest    Run collector tasks once from a task file or a capture")
	fmt.Fprintln(os.Stderr, "  feeds     List recent feed events")
	fmt.Fprintln(os.Stderr, "  stats     Show deduplication and backend statistics")
	fmt.Fprintln(os.Stderr, "  cleanup   Remove exact-match cache rows outside the retention window")
	fmt.Fprintln(os.Stderr, "  export    Append feed events to the daily CSV file")
	fmt.Fprintln(os.Stderr, "  clusters  Show similarity clusters and per-domain counts")
	fmt.Fprintln(os.Stderr, "  health    Check backend connectivity")
	fmt.Fprintln(os.Stderr, "  run       Run scheduled collection, cleanup and export")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"modelx <command> -h\" for command-specific flags.")
}
