// Package httpclient provides the HTTP client the CLI uses to query a
// running daemon's status listener.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default configuration values
const (
	DefaultTimeout = 5 * time.Second

	// MaxBodySize bounds a decoded response body
	MaxBodySize = 4 << 20
)

// ErrStatus is returned for non-200 responses.
var ErrStatus = errors.New("unexpected HTTP status")

// Config holds HTTP client configuration options.
type Config struct {
	// Timeout is the maximum time for the entire request (default: 5s)
	Timeout time.Duration
}

// New creates an HTTP client. If cfg is nil, default values are used.
func New(cfg *Config) *http.Client {
	timeout := DefaultTimeout
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     timeout,
		},
		Timeout: timeout,
	}
}

// GetJSON fetches url and decodes the JSON body into v.
func GetJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
