// Package credits implements the prepaid credit ledger client over the
// billing service's HTTP API.
package credits

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

const defaultTimeout = 10 * time.Second

// Config holds billing service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements rank.CreditLedger. Debit and Refund send the caller's
// idempotency key in an Idempotency-Key header; the ledger answers 409
// when it has already applied that key, which maps to
// rank.ErrAlreadyProcessed.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ledger base URL required")
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

type movementRequest struct {
	AccountID string         `json:"account_id"`
	Amount    int            `json:"amount"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int    `json:"balance"`
}

// Debit charges credits against the account.
func (c *Client) Debit(ctx context.Context, accountID string, amount int, idempotencyKey string, metadata map[string]any) error {
	return c.move(ctx, "/v1/ledger/debit", accountID, amount, idempotencyKey, metadata)
}

// Refund returns credits to the account.
func (c *Client) Refund(ctx context.Context, accountID string, amount int, idempotencyKey string, metadata map[string]any) error {
	return c.move(ctx, "/v1/ledger/refund", accountID, amount, idempotencyKey, metadata)
}

// Balance reads the account's current credit balance.
func (c *Client) Balance(ctx context.Context, accountID string) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ledger/accounts/"+accountID+"/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("build balance request: %w", err)
	}
	c.setHeaders(httpReq, "")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("ledger request: %w", err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, c.decodeError(resp)
	}
	var payload balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode balance response: %w", err)
	}
	return payload.Balance, nil
}

func (c *Client) move(ctx context.Context, path, accountID string, amount int, idempotencyKey string, metadata map[string]any) error {
	if idempotencyKey == "" {
		return errors.New("idempotency key required")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	body, err := json.Marshal(movementRequest{
		AccountID: accountID,
		Amount:    amount,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal ledger request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	c.setHeaders(httpReq, idempotencyKey)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ledger request: %w", err)
	}
	defer c.closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		// The ledger already applied this key. The movement happened
		// exactly once, so callers treat this as success.
		return rank.ErrAlreadyProcessed
	default:
		return c.decodeError(resp)
	}
}

func (c *Client) setHeaders(req *http.Request, idempotencyKey string) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn("close ledger response body", zap.Error(err))
	}
}

func (c *Client) decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}
