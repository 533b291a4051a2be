package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	DefaultEmbeddingEndpoint = "http://127.0.0.1:8844/embed"
	DefaultEmbeddingModel    = "sentence-transformers/all-MiniLM-L6-v2"
	DefaultMaxLength         = 256
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMaxRetries        = 3
	defaultRetryBaseDelay    = 250 * time.Millisecond
	defaultRetryMaxDelay     = 5 * time.Second
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type HTTPEmbedderOptions struct {
	Endpoint       string
	Model          string
	MaxLength      int
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Client         *http.Client
}

// HTTPEmbedder calls a text-embedding service. Endpoints ending in
// /v1/embeddings get the OpenAI request shape.
type HTTPEmbedder struct {
	opts     HTTPEmbedderOptions
	executor failsafe.Executor[*http.Response]
}

type embedRequest struct {
	Texts     []string `json:"texts,omitempty"`
	Input     []string `json:"input,omitempty"`
	Model     string   `json:"model,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// retryableStatusError marks responses worth another attempt.
type retryableStatusError struct {
	status int
	body   string
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("embedding service status %d: %s", e.status, e.body)
}

func NewHTTPEmbedder(opts HTTPEmbedderOptions) *HTTPEmbedder {
	opts = normalizeHTTPEmbedderOptions(opts)

	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(opts.RetryBaseDelay, opts.RetryMaxDelay).
		WithMaxRetries(opts.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool {
			if err == nil {
				return false
			}
			var statusErr *retryableStatusError
			if errors.As(err, &statusErr) {
				return true
			}
			return !errors.Is(err, context.Canceled)
		}).
		Build()

	return &HTTPEmbedder{
		opts:     opts,
		executor: failsafe.With[*http.Response](policy),
	}
}

func normalizeHTTPEmbedderOptions(opts HTTPEmbedderOptions) HTTPEmbedderOptions {
	opts.Endpoint = normalizeEmbeddingEndpoint(opts.Endpoint)
	opts.Model = strings.TrimSpace(opts.Model)
	if opts.Model == "" {
		opts.Model = DefaultEmbeddingModel
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = max(defaultRetryMaxDelay, opts.RetryBaseDelay)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return opts
}

func normalizeEmbeddingEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEmbeddingEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}

func (e *HTTPEmbedder) Model() string {
	return e.opts.Model
}

// Embed returns L2-normalized vectors for texts.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := embedRequest{Texts: texts, MaxLength: e.opts.MaxLength}
	if parsed, err := url.Parse(e.opts.Endpoint); err == nil && strings.HasSuffix(parsed.Path, "/v1/embeddings") {
		payload = embedRequest{Input: texts, Model: e.opts.Model}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	resp, err := e.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		return e.post(ctx, body)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d texts", len(vectors), len(texts))
	}

	out := make([][]float32, len(vectors))
	for i, vector := range vectors {
		normalized, err := normalizeVector(vector)
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		out[i] = normalized
	}
	return out, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, body []byte) (*http.Response, error) {
	requestCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, e.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		cancel()
		return nil, &retryableStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the per-request timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func normalizeVector(values []float64) ([]float32, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	var norm float64
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value at index %d", i)
		}
		norm += v * v
	}
	if norm == 0 {
		return nil, fmt.Errorf("zero vector")
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v / norm)
	}
	return out, nil
}
