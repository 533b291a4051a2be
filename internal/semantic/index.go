package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Document is one indexed summary.
type Document struct {
	ID        string            `json:"id"`
	Text      string            `json:"document"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"-"`
	IndexedAt time.Time         `json:"indexed_at"`
}

// Neighbor is a query hit with its L2 distance to the query vector.
type Neighbor struct {
	Document
	Distance float64
}

// Index stores embeddings and answers nearest-neighbor queries by L2 distance.
// Adding an id that already exists leaves the stored document untouched.
type Index interface {
	Add(ctx context.Context, doc Document) error
	Query(ctx context.Context, embedding []float32, n int) ([]Neighbor, error)
	Get(ctx context.Context, ids []string) ([]Document, error)
	Count(ctx context.Context) (int64, error)
}

// MemoryIndex is a brute-force in-process index.
type MemoryIndex struct {
	mu    sync.RWMutex
	order []string
	docs  map[string]Document
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

func (m *MemoryIndex) Add(_ context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document %s has no embedding", doc.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		return nil
	}
	doc.Embedding = append([]float32(nil), doc.Embedding...)
	m.docs[doc.ID] = doc
	m.order = append(m.order, doc.ID)
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, embedding []float32, n int) ([]Neighbor, error) {
	if n <= 0 {
		n = 1
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	neighbors := make([]Neighbor, 0, len(m.docs))
	for _, id := range m.order {
		doc := m.docs[id]
		if len(doc.Embedding) != len(embedding) {
			return nil, fmt.Errorf("dimension mismatch: query %d, document %s has %d", len(embedding), id, len(doc.Embedding))
		}
		neighbors = append(neighbors, Neighbor{Document: doc, Distance: l2Distance(embedding, doc.Embedding)})
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if len(neighbors) > n {
		neighbors = neighbors[:n]
	}
	return neighbors, nil
}

func (m *MemoryIndex) Get(_ context.Context, ids []string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := m.docs[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *MemoryIndex) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.docs)), nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
