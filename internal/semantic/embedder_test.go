package semantic

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPEmbedderRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Texts) != 2 || req.MaxLength != 128 {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{3, 4}, {0, 2}},
		})
	}))
	defer server.Close()

	embedder := NewHTTPEmbedder(HTTPEmbedderOptions{
		Endpoint:       server.URL + "/embed",
		MaxLength:      128,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	})

	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
	if math.Abs(float64(vectors[0][0])-0.6) > 1e-6 || math.Abs(float64(vectors[0][1])-0.8) > 1e-6 {
		t.Fatalf("expected normalized vector, got %v", vectors[0])
	}
	if vectors[1][1] != 1 {
		t.Fatalf("expected unit vector, got %v", vectors[1])
	}
}

func TestHTTPEmbedderOpenAIShape(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 || req.Model != "all-minilm" || len(req.Texts) != 0 {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer server.Close()

	embedder := NewHTTPEmbedder(HTTPEmbedderOptions{Endpoint: server.URL + "/v1/embeddings", Model: "all-minilm"})
	vectors, err := embedder.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("expected vectors ordered by index, got %v", vectors)
	}
}

func TestHTTPEmbedderClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer server.Close()

	embedder := NewHTTPEmbedder(HTTPEmbedderOptions{Endpoint: server.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond})
	if _, err := embedder.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatalf("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestHTTPEmbedderVectorCountMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1,0]]}`))
	}))
	defer server.Close()

	embedder := NewHTTPEmbedder(HTTPEmbedderOptions{Endpoint: server.URL})
	if _, err := embedder.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestNormalizeEmbeddingEndpoint(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                       DefaultEmbeddingEndpoint,
		"http://embed:8844":      "http://embed:8844/embed",
		"http://embed:8844/":     "http://embed:8844/embed",
		"http://x/v1/embeddings": "http://x/v1/embeddings",
	}
	for in, want := range tests {
		if got := normalizeEmbeddingEndpoint(in); got != want {
			t.Fatalf("normalizeEmbeddingEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
