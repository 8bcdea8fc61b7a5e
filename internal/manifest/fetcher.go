// Package manifest retrieves patch manifests over HTTP. Manifest bodies are
// opaque to this package; they are returned byte for byte.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// ErrFetchFailed wraps every failure to retrieve a manifest.
var ErrFetchFailed = errors.New("manifest fetch failed")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %s", e.Status)
}

// Options configures the Fetcher.
type Options struct {
	// Headers are set on every request (User-Agent etc).
	Headers map[string]string

	// Timeout for a single request. Default: 60s
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt for
	// transport errors and 5xx responses. 4xx responses are never retried.
	RetryAttempts int

	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

type Fetcher struct {
	client *http.Client
	opts   Options
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.RetryMaxBackoff < opts.RetryBackoff {
		opts.RetryMaxBackoff = opts.RetryBackoff
	}
	return &Fetcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

// Fetch downloads the manifest at url. Any 2xx response is a success.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= f.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := f.backoff(ctx, attempt); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
			}
		}

		data, retry, err := f.get(ctx, url)
		if err == nil {
			return data, nil
		}
		if !retry || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrFetchFailed, f.opts.RetryAttempts+1, lastErr)
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode >= 500, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	return data, false, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	backoff := f.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > f.opts.RetryMaxBackoff {
		backoff = f.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
