package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"horse.fit/modelx/internal/cli"
	"horse.fit/modelx/internal/collector"
)

const fileToolName = "capture_file"

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	tasksPath := fs.String("tasks", "", "Path to a YAML task file")
	taskName := fs.String("task", "", "Run only the named task from --tasks")
	filePath := fs.String("file", "", "Ingest a JSON capture file instead of a task file")
	domain := fs.String("domain", "", "Event domain for --file")
	platform := fs.String("platform", "", "Source platform for --file")
	category := fs.String("category", "", "Source category for --file")
	district := fs.String("district", "", "Default district for --file")
	detectLanguage := fs.Bool("detect-language", false, "Detect post language for --file")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "ingest does not accept positional arguments")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	hasTasks := strings.TrimSpace(*tasksPath) != ""
	hasFile := strings.TrimSpace(*filePath) != ""
	if hasTasks == hasFile {
		fmt.Fprintln(os.Stderr, "ingest requires exactly one of --tasks or --file")
		return 2
	}

	var (
		registry *collector.ToolRegistry
		tasks    []collector.Task
	)
	if hasTasks {
		taskFile, err := collector.LoadTaskFile(*tasksPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid task file: %v\n", err)
			return 2
		}
		registry, err = taskFile.Registry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid tool definition: %v\n", err)
			return 2
		}
		tasks, err = selectTasks(taskFile.Tasks, *taskName)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	} else {
		task := collector.Task{
			Name:           fileToolName,
			Tool:           fileToolName,
			Platform:       strings.TrimSpace(*platform),
			Category:       strings.TrimSpace(*category),
			District:       strings.TrimSpace(*district),
			Domain:         strings.TrimSpace(*domain),
			DetectLanguage: *detectLanguage,
		}
		if err := task.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid ingest flags: %v\n", err)
			return 2
		}
		registry, err = collector.NewToolRegistry(collector.NewFileTool(fileToolName, *filePath))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		tasks = []collector.Task{task}
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b, err := openBackends(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer b.Close()

	reports := newCollector(b, registry).RunAll(ctx, tasks)

	failed := false
	for _, report := range reports {
		if report.Error != "" {
			failed = true
		}
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(reports); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
	} else if err := writeTable(reportHeaders, reportRows(reports)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}

	if failed {
		return 1
	}
	return 0
}

func newCollector(b *backends, registry *collector.ToolRegistry) *collector.Collector {
	return collector.New(registry, b.manager, collector.Options{
		Workers: b.cfg.CollectorWorkers,
		Posts:   b.graph,
		Metrics: b.metrics,
	}, b.logger.With().Str("component", "collector").Logger())
}

func selectTasks(tasks []collector.Task, name string) ([]collector.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if len(tasks) == 0 {
			return nil, fmt.Errorf("task file defines no tasks")
		}
		return tasks, nil
	}
	for _, task := range tasks {
		if task.Name == name {
			return []collector.Task{task}, nil
		}
	}
	return nil, fmt.Errorf("task %q not found", name)
}

var reportHeaders = []string{"task", "fetched", "invalid", "too_short", "exact", "semantic", "stored", "posts", "links", "error"}

func reportRows(reports []collector.RunReport) [][]string {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		status := r.Error
		if r.Unchanged {
			status = "unchanged"
		} else if r.ErrorKind != "" {
			status = string(r.ErrorKind) + ": " + r.Error
		}
		rows = append(rows, []string{
			r.Task,
			fmt.Sprintf("%d", r.Fetched),
			fmt.Sprintf("%d", r.Invalid),
			fmt.Sprintf("%d", r.TooShort),
			fmt.Sprintf("%d", r.ExactMatches),
			fmt.Sprintf("%d", r.SemanticMatch),
			fmt.Sprintf("%d", r.Stored),
			fmt.Sprintf("%d", r.PostsStored),
			fmt.Sprintf("%d", r.TemporalLinks),
			truncateForTable(status, 60),
		})
	}
	return rows
}
