package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultAPIURL = "http://127.0.0.1:8090"
	opsTokenEnv   = "BIBCLUSTER_OPS_TOKEN"
)

// apiEnvelope mirrors the jsend envelope written by the ops API.
type apiEnvelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// apiClient talks to a running bibcluster serve process for the commands
// that need its in-memory state.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(rawURL string, timeout time.Duration) (*apiClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if trimmed == "" {
		trimmed = defaultAPIURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("--api must be an absolute URL, got %q", rawURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		baseURL: trimmed + "/api/v1",
		token:   strings.TrimSpace(os.Getenv(opsTokenEnv)),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s %s: unexpected response status=%d: %w", method, path, resp.StatusCode, err)
	}
	if envelope.Status != "success" {
		message := envelope.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		if len(envelope.Data) > 0 {
			message += ": " + string(envelope.Data)
		}
		return fmt.Errorf("%s %s: %s (status=%d)", method, path, message, resp.StatusCode)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
