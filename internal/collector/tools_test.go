package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPToolRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("q") != "Colombo" || r.URL.Query().Get("limit") != "20" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"text":"Colombo traffic advisory for Galle Road"}]}`))
	}))
	defer server.Close()

	tool := NewHTTPTool(HTTPToolOptions{
		Name:           "news_api",
		URL:            server.URL + "/search",
		Headers:        map[string]string{"X-Api-Key": "secret"},
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})

	body, err := tool.Fetch(context.Background(), map[string]any{"q": "Colombo", "limit": 20})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected one retry, got %d hits", hits.Load())
	}
	if string(body) != `{"results":[{"text":"Colombo traffic advisory for Galle Road"}]}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestHTTPToolClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	tool := NewHTTPTool(HTTPToolOptions{Name: "news_api", URL: server.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond})
	_, err := tool.Fetch(context.Background(), nil)
	if KindOf(err) != KindSourceUnavailable {
		t.Fatalf("expected source_unavailable, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d hits", hits.Load())
	}
}

func TestHTTPToolExhaustedRetries(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	tool := NewHTTPTool(HTTPToolOptions{Name: "news_api", URL: server.URL, MaxRetries: 1, RetryBaseDelay: time.Millisecond})
	if _, err := tool.Fetch(context.Background(), nil); KindOf(err) != KindSourceUnavailable {
		t.Fatalf("expected source_unavailable after retries, got %v", err)
	}
}

func TestHTTPToolNonJSONIsFormatChange(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>maintenance</body></html>"))
	}))
	defer server.Close()

	tool := NewHTTPTool(HTTPToolOptions{Name: "news_api", URL: server.URL})
	if _, err := tool.Fetch(context.Background(), nil); KindOf(err) != KindFormatChanged {
		t.Fatalf("expected format_changed, got %v", err)
	}
}

func TestFileTool(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "capture.json")
	if err := os.WriteFile(path, []byte(`[{"text":"Captured post about Kandy traffic"}]`), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte(`{"text":`), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}

	tool := NewFileTool("capture", path)
	if _, err := tool.Fetch(context.Background(), nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := tool.Fetch(context.Background(), map[string]any{"path": filepath.Join(dir, "missing.json")}); KindOf(err) != KindSourceUnavailable {
		t.Fatalf("expected source_unavailable for missing file, got %v", err)
	}
	if _, err := tool.Fetch(context.Background(), map[string]any{"path": broken}); KindOf(err) != KindFormatChanged {
		t.Fatalf("expected format_changed for broken file, got %v", err)
	}
}
