package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// APIClient talks to the dashboard's tunnel API over HTTP.
type APIClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewAPIClient creates a client for the dashboard API at baseURL.
// authToken is the shared server-to-dashboard credential.
func NewAPIClient(baseURL, authToken string) *APIClient {
	return &APIClient{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ValidateKey implements Authenticator.
func (c *APIClient) ValidateKey(ctx context.Context, apiKey string) (*KeyValidation, error) {
	var out KeyValidation
	err := c.post(ctx, "/api/tunnel/validate-key", map[string]string{"apiKey": apiKey}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckSubdomain implements SubdomainPolicy.
func (c *APIClient) CheckSubdomain(ctx context.Context, subdomain, organizationID string) (*PolicyResult, error) {
	var out PolicyResult
	err := c.post(ctx, "/api/tunnel/check-subdomain", map[string]string{
		"subdomain":      subdomain,
		"organizationId": organizationID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	// The API expresses denials inside the JSON body, also on 4xx.
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
