package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// sqlConn is the subset of *sql.DB the index uses.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGIndex keeps embeddings in modelx.semantic_events and searches them with
// the pgvector L2 operator.
type PGIndex struct {
	db         sqlConn
	collection string
}

func NewPGIndex(db sqlConn, collection string) *PGIndex {
	return &PGIndex{db: db, collection: collection}
}

func (p *PGIndex) Add(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return errors.New("document id is required")
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document %s has no embedding", doc.ID)
	}
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	indexedAt := doc.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO modelx.semantic_events (collection, event_id, document, metadata, embedding, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collection, event_id) DO NOTHING
	`, p.collection, doc.ID, doc.Text, metadata, pgvector.NewVector(doc.Embedding), indexedAt)
	if err != nil {
		return fmt.Errorf("insert semantic event: %w", err)
	}
	return nil
}

func (p *PGIndex) Query(ctx context.Context, embedding []float32, n int) ([]Neighbor, error) {
	if len(embedding) == 0 {
		return nil, errors.New("embedding is required")
	}
	if n <= 0 {
		n = 1
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT event_id,
			document,
			metadata,
			indexed_at,
			embedding <-> $2 AS distance
		FROM modelx.semantic_events
		WHERE collection = $1
		ORDER BY embedding <-> $2
		LIMIT $3
	`, p.collection, pgvector.NewVector(embedding), n)
	if err != nil {
		return nil, fmt.Errorf("query semantic neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var (
			neighbor      Neighbor
			metadataBytes []byte
		)
		if err := rows.Scan(&neighbor.ID, &neighbor.Text, &metadataBytes, &neighbor.IndexedAt, &neighbor.Distance); err != nil {
			return nil, fmt.Errorf("scan semantic neighbor: %w", err)
		}
		if neighbor.Metadata, err = decodeMetadata(metadataBytes); err != nil {
			return nil, err
		}
		neighbors = append(neighbors, neighbor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate semantic neighbors: %w", err)
	}
	return neighbors, nil
}

func (p *PGIndex) Get(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, p.collection)
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT event_id, document, metadata, indexed_at
		FROM modelx.semantic_events
		WHERE collection = $1 AND event_id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get semantic events: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc           Document
			metadataBytes []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Text, &metadataBytes, &doc.IndexedAt); err != nil {
			return nil, fmt.Errorf("scan semantic event: %w", err)
		}
		if doc.Metadata, err = decodeMetadata(metadataBytes); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate semantic events: %w", err)
	}
	return docs, nil
}

func (p *PGIndex) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM modelx.semantic_events WHERE collection = $1`, p.collection).Scan(&count); err != nil {
		return 0, fmt.Errorf("count semantic events: %w", err)
	}
	return count, nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}
