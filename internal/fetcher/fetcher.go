// Package fetcher retrieves raw feed payloads over HTTP or from disk.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
)

const maxPayloadBytes = 32 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads raw feed bytes. A source that exists as a local
// file path is read from disk instead of fetched, which covers archived
// payloads and tests.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
	retries uint64
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 30 * time.Second,
		retries: 2,
	}
}

// Fetch returns the raw bytes behind source. Transient HTTP failures
// (network errors and 5xx responses) are retried with fibonacci backoff
// before giving up.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if _, err := os.Stat(source); err == nil {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read feed file: %w", err)
		}
		return data, nil
	}

	var body []byte
	backoff := retry.WithMaxRetries(f.retries, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		body, err = f.get(ctx, source)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", source, err)
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("http get: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, retry.RetryableError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("read body: %w", err))
	}
	return body, nil
}
