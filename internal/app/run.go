package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"horse.fit/modelx/internal/cli"
	"horse.fit/modelx/internal/collector"
)

const defaultTaskSchedule = "@every 15m"

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	tasksPath := fs.String("tasks", "", "Path to a YAML task file (optional)")
	runNow := fs.Bool("run-now", true, "Run every task once at startup")
	jobTimeout := fs.Duration("job-timeout", 10*time.Minute, "Timeout for one scheduled job")
	shutdownTimeout := fs.Duration("shutdown-timeout", 15*time.Second, "Graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "run does not accept positional arguments")
		return 2
	}

	var (
		registry *collector.ToolRegistry
		tasks    []collector.Task
	)
	if strings.TrimSpace(*tasksPath) != "" {
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
		tasks = taskFile.Tasks
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	connectCtx, connectCancel := context.WithTimeout(ctx, defaultConnectTimeout)
	b, err := openBackends(connectCtx, cfg, logger, reg)
	connectCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer b.Close()

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger: logger}),
		cron.SkipIfStillRunning(cronLogger{logger: logger}),
	))

	if _, err := scheduler.AddFunc(cfg.CleanupSchedule, func() {
		jobCtx, jobCancel := context.WithTimeout(ctx, *jobTimeout)
		defer jobCancel()
		b.manager.CleanupOldData(jobCtx)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid CLEANUP_SCHEDULE: %v\n", err)
		return 2
	}

	exporter := &feedExporter{backends: b, since: time.Now().UTC()}
	if _, err := scheduler.AddFunc(cfg.ExportSchedule, func() {
		jobCtx, jobCancel := context.WithTimeout(ctx, *jobTimeout)
		defer jobCancel()
		exporter.run(jobCtx)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid EXPORT_SCHEDULE: %v\n", err)
		return 2
	}

	var worker *collector.Collector
	if registry != nil {
		worker = newCollector(b, registry)
		for _, task := range tasks {
			spec := strings.TrimSpace(task.Schedule)
			if spec == "" {
				spec = defaultTaskSchedule
			}
			if _, err := scheduler.AddFunc(spec, func() {
				runScheduledTask(ctx, worker, task, *jobTimeout, logger)
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid schedule %q for task %s: %v\n", spec, task.Name, err)
				return 2
			}
		}
	}

	var server *http.Server
	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
				cancel()
			}
		}()
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	}

	scheduler.Start()
	logger.Info().
		Int("tasks", len(tasks)).
		Str("cleanup_schedule", cfg.CleanupSchedule).
		Str("export_schedule", cfg.ExportSchedule).
		Msg("scheduler started")

	if *runNow && worker != nil && len(tasks) > 0 {
		runCtx, runCancel := context.WithTimeout(ctx, *jobTimeout)
		reports := worker.RunAll(runCtx, tasks)
		runCancel()
		logReports(logger, reports)
	}

	<-ctx.Done()

	stopCtx := scheduler.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer shutdownCancel()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduled jobs still running at shutdown")
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	logger.Info().Interface("dedup", b.manager.Stats()).Msg("daemon stopped")
	return 0
}

func runScheduledTask(ctx context.Context, worker *collector.Collector, task collector.Task, timeout time.Duration, logger zerolog.Logger) {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	report, err := worker.Run(jobCtx, task)
	if err != nil {
		logger.Warn().Err(err).Str("task", task.Name).Msg("scheduled task failed")
	}
	logReports(logger, []collector.RunReport{report})
}

// feedExporter appends events first seen since its previous run to the
// daily CSV file. Runs are serialized by the cron chain.
type feedExporter struct {
	backends *backends
	since    time.Time
}

func (e *feedExporter) run(ctx context.Context) {
	started := time.Now().UTC()
	events := e.backends.manager.GetFeedsSince(ctx, e.since)
	if len(events) == 0 {
		e.since = started
		return
	}
	if _, err := e.backends.manager.ExportFeedToCSV(ctx, events, ""); err != nil {
		e.backends.logger.Warn().Err(err).Msg("scheduled export failed")
		return
	}
	e.since = started
}

func logReports(logger zerolog.Logger, reports []collector.RunReport) {
	for _, r := range reports {
		event := logger.Info()
		if r.Error != "" {
			event = logger.Warn().Str("error_kind", string(r.ErrorKind)).Str("error", r.Error)
		}
		event.
			Str("task", r.Task).
			Bool("unchanged", r.Unchanged).
			Int("fetched", r.Fetched).
			Int("stored", r.Stored).
			Int("exact_matches", r.ExactMatches).
			Int("semantic_matches", r.SemanticMatch).
			Str("duration", r.Duration).
			Msg("collector run finished")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
