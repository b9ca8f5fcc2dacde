// Package boptest is a client for the BOPTEST style building simulation
// service: forecasts, measurements and advancing the simulation by one step.
package boptest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is where a locally started test case listens
const DefaultBaseURL = "http://localhost:5000"

// Client represents a client for the simulation backend API
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new client with the given per-request timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// NewClientWithHTTPClient creates a new client with a custom HTTP client
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	c := NewClient(baseURL, 0)
	c.httpClient = httpClient
	return c
}

// SetBaseURL sets the base URL for the API (useful for testing)
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Forecast retrieves the forecast signals for the upcoming horizon.
// Only array-valued fields are returned; scalars and metadata are dropped.
func (c *Client) Forecast(ctx context.Context) (map[string][]float64, error) {
	fields, err := c.do(ctx, "forecast", http.MethodPut, "/forecast", nil)
	if err != nil {
		return nil, err
	}

	series := make(map[string][]float64, len(fields))
	for name, raw := range fields {
		var values []float64
		if err := json.Unmarshal(raw, &values); err != nil {
			continue
		}
		series[name] = values
	}
	if len(series) == 0 {
		return nil, &BackendUnavailableError{Operation: "forecast", Err: fmt.Errorf("response contains no forecast series")}
	}
	return series, nil
}

// Measurements retrieves the current measurement values
func (c *Client) Measurements(ctx context.Context) (map[string]float64, error) {
	fields, err := c.do(ctx, "measurements", http.MethodGet, "/measurements", nil)
	if err != nil {
		return nil, err
	}
	return scalars(fields), nil
}

// Advance applies the control inputs, advances the simulation by one step
// and returns the measurements reported for the new state.
func (c *Client) Advance(ctx context.Context, inputs map[string]float64) (map[string]float64, error) {
	for name, v := range inputs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("control input %s is not finite", name)
		}
	}

	body, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal control inputs: %w", err)
	}

	fields, err := c.do(ctx, "advance", http.MethodPost, "/advance", body)
	if err != nil {
		return nil, err
	}
	return scalars(fields), nil
}

// SetStep sets the simulation step length of the backend
func (c *Client) SetStep(ctx context.Context, step time.Duration) error {
	body, err := json.Marshal(map[string]float64{"step": step.Seconds()})
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	_, err = c.do(ctx, "step", http.MethodPut, "/step", body)
	return err
}

// do performs the request and returns the top-level fields of the JSON
// object, unwrapped from a {"payload": ...} envelope when present.
func (c *Client) do(ctx context.Context, operation, method, path string, body []byte) (map[string]json.RawMessage, error) {
	reqURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &BackendUnavailableError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendUnavailableError{Operation: operation, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BackendUnavailableError{
			Operation: operation,
			Err:       &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))},
		}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &BackendUnavailableError{Operation: operation, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	if payload, ok := fields["payload"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(payload, &inner); err == nil {
			return inner, nil
		}
	}
	return fields, nil
}

// scalars keeps the numeric fields of a response
func scalars(fields map[string]json.RawMessage) map[string]float64 {
	values := make(map[string]float64, len(fields))
	for name, raw := range fields {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		values[name] = v
	}
	return values
}
