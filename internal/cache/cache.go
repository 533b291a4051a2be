// Package cache is the exact-match tier: a SQLite table of normalized
// summary digests with a sliding retention window.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"horse.fit/modelx/internal/globaltime"
)

const (
	DefaultPrefixChars = 120
	previewChars       = 200

	// Fixed width so that text comparison orders like time.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// Entry is one row of seen_hashes.
type Entry struct {
	ContentHash    string    `json:"content_hash"`
	EventID        string    `json:"event_id"`
	SummaryPreview string    `json:"summary_preview"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

type Stats struct {
	TotalEntries   int64  `json:"total_entries"`
	EntriesLast24h int64  `json:"entries_last_24h"`
	DBPath         string `json:"db_path"`
}

type Option func(*ExactMatchCache)

// WithClock replaces the globaltime clock.
func WithClock(now func() time.Time) Option {
	return func(c *ExactMatchCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPrefixChars sets how many leading characters feed the digest.
func WithPrefixChars(n int) Option {
	return func(c *ExactMatchCache) {
		if n > 0 {
			c.prefixChars = n
		}
	}
}

type ExactMatchCache struct {
	conn        *sql.DB
	path        string
	prefixChars int
	now         func() time.Time
	logger      zerolog.Logger
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string, logger zerolog.Logger, opts ...Option) (*ExactMatchCache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	c := &ExactMatchCache{
		conn:        conn,
		path:        path,
		prefixChars: DefaultPrefixChars,
		now:         globaltime.UTC,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return c, nil
}

func (c *ExactMatchCache) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *ExactMatchCache) Path() string {
	return c.path
}

func (c *ExactMatchCache) initSchema(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS seen_hashes (
		content_hash TEXT PRIMARY KEY,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		event_id TEXT NOT NULL,
		summary_preview TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_seen_hashes_last_seen ON seen_hashes(last_seen);
	CREATE INDEX IF NOT EXISTS idx_seen_hashes_first_seen ON seen_hashes(first_seen);
	`)
	return err
}

// Digest returns the key used for text.
func (c *ExactMatchCache) Digest(text string) string {
	return PrefixDigest(text, c.prefixChars)
}

// PrefixDigest hashes the first n runes of the trimmed, lower-cased text.
func PrefixDigest(text string, n int) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if n > 0 && utf8.RuneCountInString(normalized) > n {
		normalized = string([]rune(normalized)[:n])
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// HasExactMatch looks the digest up among entries seen within retention.
func (c *ExactMatchCache) HasExactMatch(ctx context.Context, text string, retention time.Duration) (string, bool, error) {
	cutoff := c.now().Add(-retention)

	var eventID string
	err := c.conn.QueryRowContext(ctx, `
		SELECT event_id FROM seen_hashes
		WHERE content_hash = ? AND last_seen > ?
	`, c.Digest(text), formatTime(cutoff)).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query exact match: %w", err)
	}
	return eventID, true, nil
}

// AddEntry upserts the digest of text. An existing row keeps its event id
// and first_seen; only last_seen moves.
func (c *ExactMatchCache) AddEntry(ctx context.Context, text, eventID string) error {
	now := formatTime(c.now())
	_, err := c.conn.ExecContext(ctx, `
		INSERT INTO seen_hashes (content_hash, first_seen, last_seen, event_id, summary_preview)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET last_seen = excluded.last_seen
	`, c.Digest(text), now, now, eventID, preview(text))
	if err != nil {
		return fmt.Errorf("upsert exact match entry: %w", err)
	}
	return nil
}

// CleanupOldEntries drops rows whose last_seen is older than retention.
func (c *ExactMatchCache) CleanupOldEntries(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := c.now().Add(-retention)
	res, err := c.conn.ExecContext(ctx, `DELETE FROM seen_hashes WHERE last_seen < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count expired entries: %w", err)
	}
	if deleted > 0 {
		c.logger.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("exact cache cleanup")
	}
	return deleted, nil
}

// Recent lists entries, newest first_seen first.
func (c *ExactMatchCache) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.conn.QueryContext(ctx, `
		SELECT content_hash, event_id, summary_preview, first_seen, last_seen
		FROM seen_hashes
		ORDER BY first_seen DESC, content_hash
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	return scanEntries(rows)
}

// Since lists entries first seen after t, oldest first.
func (c *ExactMatchCache) Since(ctx context.Context, t time.Time) ([]Entry, error) {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT content_hash, event_id, summary_preview, first_seen, last_seen
		FROM seen_hashes
		WHERE first_seen > ?
		ORDER BY first_seen ASC, content_hash
	`, formatTime(t))
	if err != nil {
		return nil, fmt.Errorf("query entries since: %w", err)
	}
	return scanEntries(rows)
}

func (c *ExactMatchCache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{DBPath: c.path}
	if err := c.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_hashes`).Scan(&stats.TotalEntries); err != nil {
		return stats, fmt.Errorf("count entries: %w", err)
	}
	dayAgo := formatTime(c.now().Add(-24 * time.Hour))
	if err := c.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_hashes WHERE last_seen > ?`, dayAgo).Scan(&stats.EntriesLast24h); err != nil {
		return stats, fmt.Errorf("count recent entries: %w", err)
	}
	return stats, nil
}

func (c *ExactMatchCache) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry               Entry
			firstSeen, lastSeen string
		)
		if err := rows.Scan(&entry.ContentHash, &entry.EventID, &entry.SummaryPreview, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry.FirstSeen = parseTime(firstSeen)
		entry.LastSeen = parseTime(lastSeen)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= previewChars {
		return trimmed
	}
	return string([]rune(trimmed)[:previewChars])
}
