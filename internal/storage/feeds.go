package storage

import (
	"context"
	"strconv"
	"time"

	"horse.fit/modelx/internal/cache"
	"horse.fit/modelx/internal/feed"
	"horse.fit/modelx/internal/semantic"
)

const (
	DefaultRecentLimit = 50

	metaDomain     = "domain"
	metaSeverity   = "severity"
	metaImpactType = "impact_type"
	metaConfidence = "confidence_score"
	metaTimestamp  = "timestamp"
	metaIndexedAt  = "indexed_at"

	fallbackConfidence = 0.5
)

var coreMetaKeys = map[string]struct{}{
	metaDomain:     {},
	metaSeverity:   {},
	metaImpactType: {},
	metaConfidence: {},
	metaTimestamp:  {},
	metaIndexedAt:  {},
}

// GetRecentFeeds returns the newest retained events first.
func (m *Manager) GetRecentFeeds(ctx context.Context, limit int) []feed.Event {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	entries, err := m.cache.Recent(ctx, limit)
	if err != nil {
		m.backendFailure(backendCache, "recent", err)
		return []feed.Event{}
	}
	return m.hydrate(ctx, entries)
}

// GetFeedsSince returns events first seen after t, oldest first.
func (m *Manager) GetFeedsSince(ctx context.Context, t time.Time) []feed.Event {
	entries, err := m.cache.Since(ctx, t)
	if err != nil {
		m.backendFailure(backendCache, "since", err)
		return []feed.Event{}
	}
	return m.hydrate(ctx, entries)
}

// hydrate joins cache rows with their semantic documents, then with graph
// nodes for rows the semantic store could not supply. Rows found in neither
// fall back to neutral defaults.
func (m *Manager) hydrate(ctx context.Context, entries []cache.Entry) []feed.Event {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.EventID != "" {
			ids = append(ids, entry.EventID)
		}
	}

	docs := map[string]semantic.Document{}
	if len(ids) > 0 && m.semantic.Enabled() {
		found, err := m.semantic.Get(ctx, ids)
		if err != nil {
			m.backendFailure(backendSemantic, "get", err)
		} else if found != nil {
			docs = found
		}
	}
	m.fillFromGraph(ctx, ids, docs)

	out := make([]feed.Event, 0, len(ids))
	for _, entry := range entries {
		if entry.EventID == "" {
			continue
		}
		out = append(out, eventFromEntry(entry, docs[entry.EventID]))
	}
	return out
}

func (m *Manager) fillFromGraph(ctx context.Context, ids []string, docs map[string]semantic.Document) {
	if !m.graph.Enabled() {
		return
	}
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := docs[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	events, err := m.graph.GetEvents(ctx, missing)
	if err != nil {
		m.backendFailure(backendGraph, "get_events", err)
		return
	}
	for id, event := range events {
		docs[id] = documentFromEvent(event)
	}
}

// documentFromEvent renders a graph event in the shape semantic documents
// carry so both sources hydrate the same way.
func documentFromEvent(event feed.Event) semantic.Document {
	meta := make(map[string]string, len(event.Metadata)+5)
	for k, v := range event.Metadata {
		meta[k] = v
	}
	meta[metaDomain] = string(event.Domain)
	meta[metaSeverity] = string(event.Severity)
	meta[metaImpactType] = string(event.ImpactType)
	meta[metaConfidence] = strconv.FormatFloat(event.ConfidenceScore, 'f', -1, 64)
	meta[metaTimestamp] = event.Timestamp
	return semantic.Document{ID: event.EventID, Text: event.Summary, Metadata: meta}
}

func eventFromEntry(entry cache.Entry, doc semantic.Document) feed.Event {
	event := feed.Event{
		EventID:         entry.EventID,
		Domain:          feed.DomainUnknown,
		Summary:         entry.SummaryPreview,
		Severity:        feed.SeverityMedium,
		ImpactType:      feed.ImpactRisk,
		ConfidenceScore: fallbackConfidence,
		Timestamp:       feed.FormatTimestamp(entry.LastSeen),
	}
	if doc.Text != "" {
		event.Summary = doc.Text
	}

	meta := doc.Metadata
	if v := meta[metaDomain]; v != "" {
		if d, err := feed.ParseDomain(v); err == nil {
			event.Domain = d
		}
	}
	if v := meta[metaSeverity]; v != "" {
		if s, err := feed.ParseSeverity(v); err == nil {
			event.Severity = s
		}
	}
	if v := meta[metaImpactType]; v != "" {
		if i, err := feed.ParseImpactType(v); err == nil {
			event.ImpactType = i
		}
	}
	if v := meta[metaConfidence]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			event.ConfidenceScore = f
		}
	}
	if v := meta[metaTimestamp]; v != "" {
		event.Timestamp = v
	}

	for k, v := range meta {
		if _, core := coreMetaKeys[k]; core {
			continue
		}
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, len(meta))
		}
		event.Metadata[k] = v
	}
	return event
}
