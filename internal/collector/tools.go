package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	defaultHTTPToolTimeout = 20 * time.Second
	DefaultHTTPToolRetries = 2
	httpToolRetryBase      = 500 * time.Millisecond
	httpToolRetryMax       = 10 * time.Second
	maxToolResponseBytes   = 16 << 20
)

// FileTool serves a JSON document from disk. Collectors use it for
// replaying captured scrapes and for offline runs.
type FileTool struct {
	name string
	path string
}

func NewFileTool(name, path string) *FileTool {
	return &FileTool{name: name, path: path}
}

func (t *FileTool) Name() string { return t.name }

// Fetch reads the file. A "path" param overrides the configured path.
func (t *FileTool) Fetch(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, SourceUnavailable(t.name, err)
	}
	path := t.path
	if override, ok := params["path"].(string); ok && strings.TrimSpace(override) != "" {
		path = override
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, SourceUnavailable(t.name, fmt.Errorf("read %s: %w", path, err))
	}
	if !json.Valid(raw) {
		return nil, FormatChanged(t.name, fmt.Errorf("%s is not valid JSON", path))
	}
	return raw, nil
}

type HTTPToolOptions struct {
	Name           string
	URL            string
	Headers        map[string]string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Client         *http.Client
}

// HTTPTool GETs a JSON endpoint. Params become query parameters.
type HTTPTool struct {
	opts     HTTPToolOptions
	executor failsafe.Executor[[]byte]
}

type retryableFetchError struct {
	status int
}

func (e *retryableFetchError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

func NewHTTPTool(opts HTTPToolOptions) *HTTPTool {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPToolTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = httpToolRetryBase
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = max(httpToolRetryMax, opts.RetryBaseDelay)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}

	policy := retrypolicy.NewBuilder[[]byte]().
		WithBackoff(opts.RetryBaseDelay, opts.RetryMaxDelay).
		WithMaxRetries(opts.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []byte, err error) bool {
			if err == nil {
				return false
			}
			var statusErr *retryableFetchError
			if errors.As(err, &statusErr) {
				return true
			}
			var toolErr *ToolError
			if errors.As(err, &toolErr) {
				return false
			}
			return !errors.Is(err, context.Canceled)
		}).
		Build()

	return &HTTPTool{opts: opts, executor: failsafe.With[[]byte](policy)}
}

func (t *HTTPTool) Name() string { return t.opts.Name }

func (t *HTTPTool) Fetch(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	target, err := t.requestURL(params)
	if err != nil {
		return nil, SourceUnavailable(t.opts.Name, err)
	}

	body, err := t.executor.WithContext(ctx).Get(func() ([]byte, error) {
		return t.get(ctx, target)
	})
	if err != nil {
		return nil, asToolError(t.opts.Name, err)
	}
	if !json.Valid(body) {
		return nil, FormatChanged(t.opts.Name, fmt.Errorf("response from %s is not JSON", target))
	}
	return body, nil
}

func (t *HTTPTool) requestURL(params map[string]any) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(t.opts.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid tool url %q", t.opts.URL)
	}
	if len(params) == 0 {
		return parsed.String(), nil
	}

	query := parsed.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				query.Add(k, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				query.Add(k, item)
			}
		default:
			query.Set(k, fmt.Sprint(v))
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (t *HTTPTool) get(ctx context.Context, target string) ([]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &retryableFetchError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, SourceUnavailable(t.opts.Name, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
