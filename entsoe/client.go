package entsoe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the ENTSO-E transparency platform REST endpoint
const DefaultBaseURL = "https://web-api.tp.entsoe.eu/api"

// dayAheadDocumentType is the document type of day-ahead prices
const dayAheadDocumentType = "A44"

// APIError represents a non-success response of the platform
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// Client downloads documents from the transparency platform
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
}

// NewClient creates a client authenticated with the given security token
func NewClient(token string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    DefaultBaseURL,
		token:      token,
		userAgent:  "hvac-mpc/1.0",
	}
}

// SetBaseURL allows overriding the base URL (useful for testing)
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimSuffix(baseURL, "/")
}

// DayAheadPrices downloads the day-ahead prices of a bidding zone for [start, end)
func (c *Client) DayAheadPrices(ctx context.Context, area string, start, end time.Time) (*Document, error) {
	if c.token == "" {
		return nil, fmt.Errorf("security token cannot be empty")
	}
	if area == "" {
		return nil, fmt.Errorf("bidding zone cannot be empty")
	}
	if !end.After(start) {
		return nil, fmt.Errorf("period end %s must be after start %s", end, start)
	}

	params := url.Values{}
	params.Set("documentType", dayAheadDocumentType)
	params.Set("in_Domain", area)
	params.Set("out_Domain", area)
	params.Set("periodStart", formatPeriod(start))
	params.Set("periodEnd", formatPeriod(end))
	params.Set("securityToken", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return Decode(resp.Body)
}

// formatPeriod renders t as yyyyMMddHHmm in UTC
func formatPeriod(t time.Time) string {
	return t.UTC().Format("200601021504")
}
