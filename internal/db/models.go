package db

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
)

// SemanticEvent maps modelx.semantic_events, the pgvector-backed semantic index.
// The embedding column is left without a fixed dimension so the embedding
// model can change per collection.
type SemanticEvent struct {
	Collection string          `gorm:"column:collection;type:text;primaryKey"`
	EventID    string          `gorm:"column:event_id;type:text;primaryKey"`
	Document   string          `gorm:"column:document;type:text;not null"`
	Metadata   json.RawMessage `gorm:"column:metadata;type:jsonb;not null;default:'{}'"`
	Embedding  pgvector.Vector `gorm:"column:embedding;type:vector;not null"`
	IndexedAt  time.Time       `gorm:"column:indexed_at;type:timestamptz;not null;default:now()"`
}

func (SemanticEvent) TableName() string { return "modelx.semantic_events" }

func autoMigrateModels() []any {
	return []any{&SemanticEvent{}}
}
