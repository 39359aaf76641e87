package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anstrom/reconmap/internal/config"
)

const (
	apiKeyEnv     = envPrefix + "_API_KEY"
	apiKeyFileEnv = envPrefix + "_API_KEY_FILE"
	apiURLEnv     = envPrefix + "_API_URL"

	apiClientTimeout = 30 * time.Second
)

// APIClient talks to a running reconmap server.
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// APIError represents an API error response.
type APIError struct {
	StatusCode int    `json:"-"`
	Err        string `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Err
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, msg)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, msg)
}

// NewAPIClient creates a client for the server configured in cfg. A non-empty
// baseURL overrides the configured address. The API key is optional: a
// server without keys accepts loopback requests.
func NewAPIClient(cfg *config.Config, baseURL string) (*APIClient, error) {
	if baseURL == "" {
		baseURL = os.Getenv(apiURLEnv)
	}
	if baseURL == "" {
		if !cfg.IsAPIEnabled() {
			return nil, fmt.Errorf("the API is disabled in the configuration; pass --url to reach a server")
		}
		scheme := "http"
		if cfg.API.TLS.Enabled {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, cfg.GetAPIAddress())
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/api/v1") {
		baseURL += "/api/v1"
	}

	apiKey, err := getAPIKeyFromSources()
	if err != nil {
		return nil, err
	}

	return &APIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: apiClientTimeout,
		},
		userAgent: "reconmap-cli/" + version,
	}, nil
}

// getAPIKeyFromSources reads the API key from RECONMAP_API_KEY or the file
// named by RECONMAP_API_KEY_FILE.
func getAPIKeyFromSources() (string, error) {
	if key := os.Getenv(apiKeyEnv); key != "" {
		return key, nil
	}
	if keyFile := os.Getenv(apiKeyFileEnv); keyFile != "" {
		// #nosec G304 - the key file is chosen by the operator
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return "", fmt.Errorf("error reading %s: %w", apiKeyFileEnv, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

// Get performs a GET request and decodes the response into out.
func (c *APIClient) Get(ctx context.Context, endpoint string, out interface{}) error {
	return c.request(ctx, http.MethodGet, endpoint, nil, out)
}

// Post performs a POST request with a JSON payload.
func (c *APIClient) Post(ctx context.Context, endpoint string, payload, out interface{}) error {
	return c.request(ctx, http.MethodPost, endpoint, payload, out)
}

// Delete performs a DELETE request.
func (c *APIClient) Delete(ctx context.Context, endpoint string) error {
	return c.request(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *APIClient) request(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// describeAPIError adds a hint for the common failure statuses.
func describeAPIError(err error, operation string) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s failed: %w", operation, err)
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s failed: %w (set %s or %s)", operation, err, apiKeyEnv, apiKeyFileEnv)
	case http.StatusForbidden:
		return fmt.Errorf("%s failed: %w (the key needs the operator role)", operation, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s failed: %w (rate limited, try again shortly)", operation, err)
	default:
		return fmt.Errorf("%s failed: %w", operation, err)
	}
}
