// Package serp implements the ranking provider client over the vendor's
// JSON HTTP API.
package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/rank"
)

const defaultTimeout = 30 * time.Second

// Config holds provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements rank.Provider against the vendor HTTP API. Vendor
// error codes are carried verbatim in the error text so the retry policy
// can classify failures without a provider-specific type.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider base URL required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type checkRequest struct {
	SearchTerm   string `json:"search_term"`
	LocationCode string `json:"location_code"`
	TargetDomain string `json:"target_domain"`
	Device       string `json:"device"`
}

type checkResponse struct {
	Found    bool   `json:"found"`
	Position *int   `json:"position"`
	URL      string `json:"url"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Check performs one device-specific ranking lookup.
func (c *Client) Check(ctx context.Context, req rank.CheckRequest) (rank.CheckResult, error) {
	body, err := json.Marshal(checkRequest{
		SearchTerm:   req.SearchTerm,
		LocationCode: req.LocationCode,
		TargetDomain: req.TargetDomain,
		Device:       string(req.Device),
	})
	if err != nil {
		return rank.CheckResult{}, fmt.Errorf("marshal check request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/serp/check", bytes.NewReader(body))
	if err != nil {
		return rank.CheckResult{}, fmt.Errorf("build check request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return rank.CheckResult{}, fmt.Errorf("provider request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close provider response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return rank.CheckResult{}, c.decodeError(resp)
	}

	var payload checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return rank.CheckResult{}, fmt.Errorf("decode check response: %w", err)
	}
	return rank.CheckResult{
		Found:    payload.Found,
		Position: payload.Position,
		URL:      payload.URL,
	}, nil
}

// decodeError turns a non-200 vendor response into an error whose text
// leads with the vendor code, e.g. "DFS-402 quota exceeded".
func (c *Client) decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Code == "" {
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return fmt.Errorf("%s %s", payload.Code, payload.Message)
}
