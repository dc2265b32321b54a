package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiHTTPTimeout = 60 * time.Second

// apiClient is the shared JSON-over-HTTP plumbing for the cloud providers.
// It maps status codes onto the provider error taxonomy: 404 → ErrNotFound,
// 429/5xx and transport errors → transient, other 4xx → permanent.
type apiClient struct {
	provider string
	baseURL  string
	headers  map[string]string
	http     *http.Client
}

func newAPIClient(provider, baseURL string, headers map[string]string) *apiClient {
	return &apiClient{
		provider: provider,
		baseURL:  baseURL,
		headers:  headers,
		http:     &http.Client{Timeout: apiHTTPTimeout},
	}
}

// doJSON issues one request. body and out may be nil. The op string names the
// logical operation for error reporting.
func (c *apiClient) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	return c.call(ctx, op, method, c.baseURL+path, body, out)
}

// call is doJSON against an absolute URL (the E2B data plane lives on a
// per-session host, not under the control-plane base URL).
func (c *apiClient) call(ctx context.Context, op, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return permanentErr(c.provider, op, fmt.Errorf("encoding request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return permanentErr(c.provider, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failures (DNS, refused, timeout) are retryable.
		return transientErr(c.provider, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return transientErr(c.provider, op, fmt.Errorf("reading response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &ProviderError{Provider: c.provider, Op: op, Transient: true,
			Status: resp.StatusCode, Err: httpError(resp.StatusCode, data)}
	case resp.StatusCode >= 400:
		return &ProviderError{Provider: c.provider, Op: op, Transient: false,
			Status: resp.StatusCode, Err: httpError(resp.StatusCode, data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return permanentErr(c.provider, op, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func httpError(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return errors.New(http.StatusText(status) + ": " + msg)
}
