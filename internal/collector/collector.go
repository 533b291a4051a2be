// Package collector runs collection tasks: fetch raw items through a tool,
// normalize them into posts and funnel each one through deduplication.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/modelx/internal/feed"
	"horse.fit/modelx/internal/globaltime"
	"horse.fit/modelx/internal/langdetect"
	"horse.fit/modelx/internal/metrics"
	"horse.fit/modelx/internal/storage"
	payloadschema "horse.fit/modelx/schema"
)

const (
	DefaultWorkers    = 4
	defaultConfidence = 0.7

	outcomeInvalid   = "invalid"
	outcomeSkipped   = "skipped"
	outcomeTooShort  = "too_short"
	outcomeExact     = "exact_match"
	outcomeSemantic  = "semantic_match"
	outcomeStored    = "stored"
	outcomeStoreFail = "store_failed"
)

// Sink is the deduplicating store collectors write through.
type Sink interface {
	IsDuplicate(ctx context.Context, summary string, threshold float64) storage.Decision
	StoreEvent(ctx context.Context, req storage.StoreRequest) storage.StoreResult
	LinkTemporalSequence(ctx context.Context, earlierID, laterID string) bool
}

// PostStore keeps raw posts next to the events derived from them.
type PostStore interface {
	Enabled() bool
	StorePost(ctx context.Context, post feed.PostRecord) (bool, error)
}

type Task struct {
	Name           string         `yaml:"name" json:"name"`
	Tool           string         `yaml:"tool" json:"tool"`
	Params         map[string]any `yaml:"params" json:"params,omitempty"`
	Platform       string         `yaml:"platform" json:"platform"`
	Category       string         `yaml:"category" json:"category"`
	District       string         `yaml:"district" json:"district,omitempty"`
	Domain         string         `yaml:"domain" json:"domain"`
	Severity       string         `yaml:"severity" json:"severity,omitempty"`
	ImpactType     string         `yaml:"impact_type" json:"impact_type,omitempty"`
	Confidence     float64        `yaml:"confidence" json:"confidence,omitempty"`
	Threshold      float64        `yaml:"threshold" json:"threshold,omitempty"`
	DetectLanguage bool           `yaml:"detect_language" json:"detect_language,omitempty"`
	Schedule       string         `yaml:"schedule" json:"schedule,omitempty"`
}

// Key identifies the task for change detection.
func (t Task) Key() string {
	if name := strings.TrimSpace(t.Name); name != "" {
		return name
	}
	params, _ := json.Marshal(t.Params)
	return t.Tool + ":" + string(params)
}

// Validate checks the task and fills severity, impact and confidence defaults.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Tool) == "" {
		return fmt.Errorf("task %q: tool is required", t.Name)
	}
	domain, err := feed.ParseDomain(t.Domain)
	if err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	t.Domain = string(domain)

	if strings.TrimSpace(t.Severity) == "" {
		t.Severity = string(feed.SeverityMedium)
	}
	severity, err := feed.ParseSeverity(t.Severity)
	if err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	t.Severity = string(severity)

	if strings.TrimSpace(t.ImpactType) == "" {
		t.ImpactType = string(feed.ImpactRisk)
	}
	impact, err := feed.ParseImpactType(t.ImpactType)
	if err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	t.ImpactType = string(impact)

	if t.Confidence == 0 {
		t.Confidence = defaultConfidence
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("task %q: confidence must be in [0,1]", t.Name)
	}
	if t.Threshold < 0 || t.Threshold > 1 {
		return fmt.Errorf("task %q: threshold must be in [0,1]", t.Name)
	}
	return nil
}

type RunReport struct {
	Task           string    `json:"task"`
	Tool           string    `json:"tool"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	Unchanged      bool      `json:"unchanged"`
	Fetched        int       `json:"fetched"`
	Invalid        int       `json:"invalid"`
	Skipped        int       `json:"skipped"`
	TooShort       int       `json:"too_short"`
	ExactMatches   int       `json:"exact_matches"`
	SemanticMatch  int       `json:"semantic_matches"`
	Stored         int       `json:"stored"`
	StoreFailures  int       `json:"store_failures"`
	PostsStored    int       `json:"posts_stored"`
	PostDuplicates int       `json:"post_duplicates"`
	TemporalLinks  int       `json:"temporal_links"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	Duration       string    `json:"duration"`
}

type Options struct {
	Workers int
	Posts   PostStore
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Collector struct {
	registry *ToolRegistry
	sink     Sink
	posts    PostStore
	changes  *ChangeDetector
	workers  int
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

func New(registry *ToolRegistry, sink Sink, opts Options, logger zerolog.Logger) *Collector {
	c := &Collector{
		registry: registry,
		sink:     sink,
		posts:    opts.Posts,
		changes:  NewChangeDetector(),
		workers:  opts.Workers,
		metrics:  opts.Metrics,
		now:      opts.Now,
		logger:   logger,
	}
	if c.workers <= 0 {
		c.workers = DefaultWorkers
	}
	if c.now == nil {
		c.now = globaltime.UTC
	}
	return c
}

type storedEvent struct {
	id        string
	timestamp time.Time
}

// Run executes one task. Tool failures come back as *ToolError; item level
// problems are counted in the report and never abort the run.
func (c *Collector) Run(ctx context.Context, task Task) (RunReport, error) {
	started := c.now()
	report := RunReport{Task: task.Key(), Tool: task.Tool, StartedAt: started}
	defer func() {
		report.Duration = c.now().Sub(started).String()
	}()

	fail := func(err *ToolError) (RunReport, error) {
		report.ErrorKind = err.Kind
		report.Error = err.Error()
		c.metrics.ToolFailure(err.Tool, string(err.Kind))
		c.logger.Warn().Err(err).Str("task", report.Task).Str("kind", string(err.Kind)).Msg("collector task failed")
		return report, err
	}

	if err := task.Validate(); err != nil {
		report.Error = err.Error()
		return report, err
	}
	tool, err := c.registry.Get(task.Tool)
	if err != nil {
		return fail(asToolError(task.Tool, err))
	}

	raw, err := tool.Fetch(ctx, task.Params)
	if err != nil {
		return fail(asToolError(tool.Name(), err))
	}
	fingerprint, err := Fingerprint(raw)
	if err != nil {
		return fail(FormatChanged(tool.Name(), err))
	}
	report.Fingerprint = fingerprint
	if !c.changes.Changed(task.Key(), fingerprint) {
		report.Unchanged = true
		c.logger.Debug().Str("task", report.Task).Str("fingerprint", fingerprint).Msg("upstream unchanged")
		return report, nil
	}

	items, err := payloadschema.DecodeItems(raw)
	if err != nil {
		return fail(FormatChanged(tool.Name(), err))
	}
	report.Fetched = len(items)

	var stored []storedEvent
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return fail(SourceUnavailable(tool.Name(), err))
		}
		value, err := payloadschema.ValidateRawPost(item)
		if err != nil {
			report.Invalid++
			c.metrics.CollectorItem(report.Task, outcomeInvalid)
			c.logger.Debug().Err(err).Str("task", report.Task).Int("item", i).Msg("invalid raw post")
			continue
		}
		post, ok := feed.ExtractPostData(value, feed.ExtractOptions{
			Platform:   task.Platform,
			Category:   task.Category,
			SourceTool: tool.Name(),
			District:   task.District,
			Now:        c.now(),
		})
		if !ok {
			report.Skipped++
			c.metrics.CollectorItem(report.Task, outcomeSkipped)
			continue
		}
		if task.DetectLanguage {
			post.Language = langdetect.DetectISO6391(strings.TrimSpace(post.Title + " " + post.Text))
		}

		if ev, ok := c.ingestPost(ctx, task, post, &report); ok {
			stored = append(stored, ev)
		}
	}

	report.TemporalLinks = c.linkSequence(ctx, stored)
	c.changes.Commit(task.Key(), fingerprint)

	c.logger.Info().
		Str("task", report.Task).
		Int("fetched", report.Fetched).
		Int("stored", report.Stored).
		Int("exact", report.ExactMatches).
		Int("semantic", report.SemanticMatch).
		Int("invalid", report.Invalid).
		Msg("collector task completed")
	return report, nil
}

func (c *Collector) ingestPost(ctx context.Context, task Task, post feed.PostRecord, report *RunReport) (storedEvent, bool) {
	summary := post.Summary()
	decision := c.sink.IsDuplicate(ctx, summary, task.Threshold)
	switch decision.Reason {
	case storage.ReasonTooShort:
		report.TooShort++
		c.metrics.CollectorItem(report.Task, outcomeTooShort)
		return storedEvent{}, false
	case storage.ReasonExactMatch:
		report.ExactMatches++
		c.metrics.CollectorItem(report.Task, outcomeExact)
		return storedEvent{}, false
	case storage.ReasonSemanticMatch:
		report.SemanticMatch++
		c.metrics.CollectorItem(report.Task, outcomeSemantic)
		return storedEvent{}, false
	}

	result := c.sink.StoreEvent(ctx, storage.StoreRequest{
		Event: feed.Event{
			Domain:          feed.Domain(task.Domain),
			Summary:         summary,
			Severity:        feed.Severity(task.Severity),
			ImpactType:      feed.ImpactType(task.ImpactType),
			ConfidenceScore: task.Confidence,
			Timestamp:       post.Timestamp,
		},
		Metadata: postMetadata(post),
	})
	if !result.Stored() {
		report.StoreFailures++
		c.metrics.CollectorItem(report.Task, outcomeStoreFail)
		return storedEvent{}, false
	}
	report.Stored++
	c.metrics.CollectorItem(report.Task, outcomeStored)

	if c.posts != nil && c.posts.Enabled() {
		created, err := c.posts.StorePost(ctx, post)
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("post_url", post.PostURL).Msg("store post")
		case created:
			report.PostsStored++
		default:
			report.PostDuplicates++
		}
	}

	ts, err := feed.ParseTimestamp(post.Timestamp)
	if err != nil {
		ts = c.now()
	}
	return storedEvent{id: result.EventID, timestamp: ts}, true
}

// linkSequence chains the run's stored events in timestamp order.
func (c *Collector) linkSequence(ctx context.Context, events []storedEvent) int {
	if len(events) < 2 {
		return 0
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].timestamp.Before(events[j].timestamp)
	})
	linked := 0
	for i := 1; i < len(events); i++ {
		if c.sink.LinkTemporalSequence(ctx, events[i-1].id, events[i].id) {
			linked++
		}
	}
	return linked
}

// RunAll runs tasks on a bounded worker pool. Reports keep the order of
// tasks; a failing task does not stop the others.
func (c *Collector) RunAll(ctx context.Context, tasks []Task) []RunReport {
	reports := make([]RunReport, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, task := range tasks {
		g.Go(func() error {
			reports[i], _ = c.Run(gctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func postMetadata(post feed.PostRecord) map[string]any {
	meta := map[string]any{
		"post_id":      post.PostID,
		"poster":       post.Poster,
		"post_url":     post.PostURL,
		"content_hash": post.ContentHash,
		"platform":     post.Platform,
		"category":     post.Category,
		"source_tool":  post.SourceTool,
		"score":        post.Engagement.Score,
		"likes":        post.Engagement.Likes,
		"shares":       post.Engagement.Shares,
		"comments":     post.Engagement.Comments,
	}
	if post.District != "" {
		meta["district"] = post.District
	}
	if post.Language != "" {
		meta["language"] = post.Language
	}
	for k, v := range meta {
		if s, ok := v.(string); ok && s == "" {
			delete(meta, k)
		}
	}
	return meta
}
