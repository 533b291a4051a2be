package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"horse.fit/modelx/internal/feed"
)

const DefaultExportDir = "data/feeds"

var csvHeader = []string{"event_id", "timestamp", "domain", "severity", "impact_type", "confidence_score", "summary"}

// ExportFeedToCSV appends events to filename inside the export directory,
// defaulting to the UTC day file feed_YYYY-MM-DD.csv. The header is written
// only when the file is new or empty. It returns the file path.
func (m *Manager) ExportFeedToCSV(ctx context.Context, events []feed.Event, filename string) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if filename == "" {
		filename = "feed_" + m.now().UTC().Format("2006-01-02") + ".csv"
	}
	path := filepath.Join(m.exportDir, filepath.Base(filename))

	m.exportMu.Lock()
	defer m.exportMu.Unlock()

	if err := os.MkdirAll(m.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	writeHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		writeHeader = false
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open export file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return "", fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, event := range events {
		row := []string{
			event.EventID,
			event.Timestamp,
			string(event.Domain),
			string(event.Severity),
			string(event.ImpactType),
			strconv.FormatFloat(event.ConfidenceScore, 'f', -1, 64),
			event.Summary,
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write csv row %s: %w", event.EventID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}

	m.logger.Info().Int("events", len(events)).Str("path", path).Msg("exported feed")
	return path, nil
}
