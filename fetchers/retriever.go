// Package fetchers retrieves trusted-list documents by URL.
package fetchers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ETSITSLMimeType is the media type of XML trusted lists.
const ETSITSLMimeType = "application/vnd.etsi.tsl+xml"

// DefaultMaxBodySize bounds a downloaded document.
const DefaultMaxBodySize = 32 << 20

// ErrNotFound is returned by MapRetriever for unknown URLs.
var ErrNotFound = errors.New("resource not found")

// Retriever returns the bytes published at a URL.
type Retriever interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch implements Retriever.
func (f RetrieverFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// HTTPError is returned for non-200 responses.
type HTTPError struct {
	URL        string
	StatusCode int
}

// Error implements error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: HTTP status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status may succeed on a later attempt.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPRetriever downloads documents with retries and a per-host rate limit.
type HTTPRetriever struct {
	client      *http.Client
	retry       *RetryConfig
	logger      *zap.SugaredLogger
	maxBodySize int64
	userAgent   string

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// HTTPRetrieverOption configures an HTTPRetriever.
type HTTPRetrieverOption func(*HTTPRetriever)

// WithHTTPClient sets the underlying client.
func WithHTTPClient(client *http.Client) HTTPRetrieverOption {
	return func(r *HTTPRetriever) {
		r.client = client
	}
}

// WithRetry sets the retry policy.
func WithRetry(config *RetryConfig) HTTPRetrieverOption {
	return func(r *HTTPRetriever) {
		r.retry = config
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) HTTPRetrieverOption {
	return func(r *HTTPRetriever) {
		r.logger = logger
	}
}

// WithRateLimit allows one request per interval to each host, with burst.
// A zero interval disables limiting.
func WithRateLimit(interval time.Duration, burst int) HTTPRetrieverOption {
	return func(r *HTTPRetriever) {
		if interval <= 0 {
			r.limit = rate.Inf
		} else {
			r.limit = rate.Every(interval)
		}
		if burst < 1 {
			burst = 1
		}
		r.burst = burst
	}
}

// WithMaxBodySize bounds the accepted response size.
func WithMaxBodySize(n int64) HTTPRetrieverOption {
	return func(r *HTTPRetriever) {
		r.maxBodySize = n
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPRetrieverOption {
	return func(r *HTTPRetriever) {
		r.userAgent = ua
	}
}

// NewHTTPRetriever creates a retriever. Without options it uses
// NewHTTPClient defaults, DefaultRetryConfig and one request per second
// per host.
func NewHTTPRetriever(opts ...HTTPRetrieverOption) *HTTPRetriever {
	r := &HTTPRetriever{
		retry:       DefaultRetryConfig(),
		logger:      zap.NewNop().Sugar(),
		maxBodySize: DefaultMaxBodySize,
		userAgent:   "gotsl",
		limit:       rate.Every(time.Second),
		burst:       2,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client, _ = NewHTTPClient(nil)
	}
	return r
}

// Fetch implements Retriever.
func (r *HTTPRetriever) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("unsupported URL scheme %q", u.Scheme)
	}

	retry := *r.retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warnw("retrying download", "url", rawURL, "attempt", attempt, "delay", delay, "error", err)
		if r.retry.OnRetry != nil {
			r.retry.OnRetry(attempt, err, delay)
		}
	}

	start := time.Now()
	body, attempts, err := Retry(ctx, &retry, func(ctx context.Context) ([]byte, error) {
		if err := r.limiter(u.Host).Wait(ctx); err != nil {
			return nil, Permanent(errors.Wrap(err, "rate limiter"))
		}
		return r.doFetch(ctx, rawURL)
	})
	if err != nil {
		r.logger.Infow("download failed", "url", rawURL, "attempt", attempts, "error", err)
		return nil, err
	}
	r.logger.Debugw("downloaded", "url", rawURL, "attempt", attempts, "bytes", len(body), "elapsed", time.Since(start))
	return body, nil
}

func (r *HTTPRetriever) limiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[host] = l
	}
	return l
}

func (r *HTTPRetriever) doFetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Accept", ETSITSLMimeType)
	req.Header.Add("Accept", "application/xml")
	req.Header.Add("Accept", "text/xml")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpErr := &HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
		if !httpErr.Retryable() {
			return nil, Permanent(httpErr)
		}
		return nil, httpErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodySize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read body of %s", rawURL)
	}
	if int64(len(body)) > r.maxBodySize {
		return nil, Permanent(errors.Newf("document at %s exceeds %d bytes", rawURL, r.maxBodySize))
	}
	return body, nil
}

// MapRetriever serves documents from memory.
type MapRetriever struct {
	mu   sync.RWMutex
	docs map[string][]byte
	errs map[string]error
}

// NewMapRetriever creates a retriever over a copy of docs.
func NewMapRetriever(docs map[string][]byte) *MapRetriever {
	m := &MapRetriever{docs: make(map[string][]byte), errs: make(map[string]error)}
	for k, v := range docs {
		m.docs[k] = v
	}
	return m
}

// Set publishes data at url and clears any injected failure.
func (m *MapRetriever) Set(url string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[url] = data
	delete(m.errs, url)
}

// Fail makes every fetch of url return err.
func (m *MapRetriever) Fail(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[url] = err
}

// Fetch implements Retriever.
func (m *MapRetriever) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errs[url]; ok {
		return nil, err
	}
	data, ok := m.docs[url]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", url)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
