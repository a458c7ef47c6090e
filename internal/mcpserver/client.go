package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings for the risk API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Optional, sent as X-Admin-Secret
	Timeout     time.Duration
}

// Client is a thin HTTP client for the scoring API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client for the scoring API.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Field != "" {
				return nil, fmt.Errorf("API error (%d): %s [field %s]", resp.StatusCode, apiErr.Message, apiErr.Field)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ScoreTransaction scores one transaction against stored history.
func (c *Client) ScoreTransaction(ctx context.Context, tx map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/score", nil, tx)
}

// ResolveVendors maps raw vendor spellings to canonical ids.
func (c *Client) ResolveVendors(ctx context.Context, ids []string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/vendors/resolve", nil, map[string]any{"ids": ids})
}

// SubmitFeedback records an auditor decision about a vendor.
func (c *Client) SubmitFeedback(ctx context.Context, vendor, transactionID, action, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/feedback", nil, map[string]any{
		"vendorId":      vendor,
		"transactionId": transactionID,
		"action":        action,
		"reason":        reason,
	})
}

// GetVendorFeedback returns feedback counts and recent entries for a vendor.
func (c *Client) GetVendorFeedback(ctx context.Context, vendor string, limit int) (json.RawMessage, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/feedback/"+url.PathEscape(vendor), q, nil)
}
