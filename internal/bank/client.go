// Package bank asks the bank-statement service whether a deposit arrived.
package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Options parameterise the client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls GET {base}/deposits/verify.
type Client struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
}

func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("bank base url not configured")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "bank_client").Logger(),
	}, nil
}

type verifyResponse struct {
	Verified bool            `json:"verified"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message"`
}

// DepositVerified reports whether a deposit with reference of at least amount BOB was credited.
func (c *Client) DepositVerified(ctx context.Context, reference string, amount decimal.Decimal) (bool, error) {
	q := url.Values{}
	q.Set("reference", reference)
	q.Set("amount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/deposits/verify?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("bank request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("bank http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload verifyResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decode bank response: %w", err)
	}
	if payload.Verified && !payload.Amount.IsZero() && payload.Amount.LessThan(amount) {
		c.logger.Warn().
			Str("reference", reference).
			Str("expected", amount.String()).
			Str("credited", payload.Amount.String()).
			Msg("deposit short of requested amount")
		return false, nil
	}
	return payload.Verified, nil
}
