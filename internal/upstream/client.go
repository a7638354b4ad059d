package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aspect-build/notion-mcp/internal/version"
)

// maxResponseBytes bounds how much of an upstream response is read.
const maxResponseBytes = 8 << 20

// APIError is a non-2xx response from Notion or its token endpoint.
type APIError struct {
	Status  int
	Details json.RawMessage
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notion api: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("notion api: status %d", e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// Unauthorized reports whether the upstream rejected the access token.
func (e *APIError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

// Client issues authenticated JSON requests against the Notion REST API.
type Client struct {
	base    string
	version string
	http    *http.Client
}

// NewClient returns a Client for base (DefaultAPIBase when empty) sending
// the given Notion-Version header.
func NewClient(base, version string, httpClient *http.Client) *Client {
	if base == "" {
		base = DefaultAPIBase
	}
	if version == "" {
		version = DefaultVersion
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), version: version, http: httpClient}
}

// Do sends method path with an optional JSON body using accessToken and
// returns the raw JSON response.
func (c *Client) Do(ctx context.Context, accessToken, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Notion-Version", c.version)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notion %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read notion response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Valid(data) {
			apiErr.Details = json.RawMessage(data)
		}
		return nil, apiErr
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("notion %s %s: response is not JSON", method, path)
	}
	return json.RawMessage(data), nil
}
