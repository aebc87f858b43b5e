package pose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Document fetch defaults
const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxRetries   = 3 // attempts, including the first

	defaultBaseBackoff = 500 * time.Millisecond
	maxResponseBytes   = 10 << 20
)

// FetchOption configures FetchCorrespondences.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay of the exponential backoff between attempts.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// StatusError is returned when the server answers with a status other than 200
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// retryable reports whether another attempt may succeed. Client errors (4xx)
// other than 408 and 429 are final.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// FetchCorrespondences downloads a correspondence document. Transport
// failures, 5xx, 408 and 429 answers are retried with exponential backoff;
// other client errors and documents that do not parse are not.
func FetchCorrespondences(ctx context.Context, url string, opts ...FetchOption) (*Document, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch correspondences: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	attempts := max(cfg.maxRetries, 1)

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(cfg.baseBackoff << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("fetch correspondences: %w", ctx.Err())
			case <-timer.C:
			}
		}

		body, err := download(ctx, client, url)
		if err != nil {
			if !retryable(err) {
				return nil, fmt.Errorf("fetch correspondences: %w", err)
			}
			lastErr = err
			continue
		}

		doc, err := ParseCorrespondenceJSON(body)
		if err != nil {
			return nil, fmt.Errorf("fetch correspondences: %w", err)
		}
		return doc, nil
	}

	return nil, fmt.Errorf("fetch correspondences: all %d attempts failed: %w", attempts, lastErr)
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
