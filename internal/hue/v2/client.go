package v2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNotFound is returned when a resource does not exist on the bridge.
var ErrNotFound = errors.New("resource not found")

// Client provides access to Hue V2 API (CLIP API).
// This client is HTTP-only with no caching - pure transport layer.
type Client struct {
	address    string
	token      string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new V2 API client.
// The httpClient should have TLS verification disabled for Hue bridge's self-signed cert.
func NewClient(address, token string, httpClient *http.Client) *Client {
	return &Client{
		address:    address,
		token:      token,
		httpClient: httpClient,
		baseURL:    "https://" + address,
	}
}

// WithBaseURL overrides the scheme and host used for requests.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// Address returns the bridge address
func (c *Client) Address() string {
	return c.address
}

// Token returns the application key (for SSE)
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the scheme and host requests are sent to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close closes idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Connect tests connectivity to the V2 API
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.Request(ctx, http.MethodGet, "resource/bridge", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Hue bridge V2 API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to connect to Hue bridge V2 API: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/clip/v2/%s", c.baseURL, path)
}

// Request performs an HTTP request to the V2 API
func (c *Client) Request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("hue-application-key", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// get decodes the data array of a GET response into out
func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, readError(resp))
	}

	result := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// GetLight returns a light by ID
func (c *Client) GetLight(ctx context.Context, lightID string) (*Light, error) {
	var data []Light
	if err := c.get(ctx, "resource/light/"+lightID, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("light %s: %w", lightID, ErrNotFound)
	}
	return &data[0], nil
}

// GetLights returns all lights
func (c *Client) GetLights(ctx context.Context) ([]Light, error) {
	var data []Light
	if err := c.get(ctx, "resource/light", &data); err != nil {
		return nil, err
	}
	return data, nil
}

// GetConnectivity returns the zigbee connectivity of all devices
func (c *Client) GetConnectivity(ctx context.Context) ([]ZigbeeConnectivity, error) {
	var data []ZigbeeConnectivity
	if err := c.get(ctx, "resource/zigbee_connectivity", &data); err != nil {
		return nil, err
	}
	return data, nil
}

// UpdateLight updates a light
func (c *Client) UpdateLight(ctx context.Context, lightID string, update LightUpdate) error {
	bodyBytes, err := json.Marshal(update)
	if err != nil {
		return err
	}

	resp, err := c.Request(ctx, http.MethodPut, "resource/light/"+lightID, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("light %s: %w", lightID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to update light %s: %s", lightID, readError(resp))
	}

	return nil
}

// readError extracts the bridge's error descriptions from a failed response
func readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var result struct {
		Errors []apiError `json:"errors"`
	}
	if err := json.Unmarshal(body, &result); err == nil && len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Description)
		}
		return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
