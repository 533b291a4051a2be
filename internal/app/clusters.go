package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/modelx/internal/cli"
	"horse.fit/modelx/internal/graph"
)

type clustersOutput struct {
	Clusters []graph.Cluster     `json:"clusters"`
	Domains  []graph.DomainCount `json:"domains"`
}

func runClusters(args []string) int {
	fs := flag.NewFlagSet("clusters", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	minSize := fs.Int("min-size", 2, "Minimum number of similar events in a cluster")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "clusters does not accept positional arguments")
		return 2
	}
	if *minSize < 1 {
		fmt.Fprintln(os.Stderr, "--min-size must be >= 1")
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

	if !b.graph.Enabled() {
		fmt.Fprintln(os.Stderr, "knowledge graph is disabled; set NEO4J_ENABLED=true")
		return 1
	}

	clusters, err := b.manager.EventClusters(ctx, *minSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query clusters: %v\n", err)
		return 1
	}
	domains, err := b.manager.DomainStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query domain stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(clustersOutput{Clusters: clusters, Domains: domains}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	clusterRows := make([][]string, 0, len(clusters))
	for _, c := range clusters {
		clusterRows = append(clusterRows, []string{c.EventID, fmt.Sprintf("%d", c.ClusterSize), truncateForTable(c.Summary, 72)})
	}
	if err := writeTable([]string{"event_id", "cluster_size", "summary"}, clusterRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render cluster table: %v\n", err)
		return 1
	}
	fmt.Fprintln(os.Stdout)

	domainRows := make([][]string, 0, len(domains))
	for _, d := range domains {
		domainRows = append(domainRows, []string{d.Domain, fmt.Sprintf("%d", d.EventCount)})
	}
	if err := writeTable([]string{"domain", "events"}, domainRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render domain table: %v\n", err)
		return 1
	}
	return 0
}
