// Package surface provides the HTTP client for the external execution
// surface: the provider that actually moves money, cancels subscriptions and
// opens investment positions. Every request carries an HMAC signature over
// its canonical body and an idempotency key, so provider-side retries are
// safe.
package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/finpilot-labs/finpilot/pkg/contracts"
	"github.com/finpilot-labs/finpilot/pkg/security"
)

const (
	signatureHeader   = "X-Signature"
	idempotencyHeader = "Idempotency-Key"
)

// endpoints maps each action family to its provider path.
var endpoints = map[contracts.ActionKind]string{
	contracts.ActionFundSweep:          "/transfers/sweep",
	contracts.ActionSubscriptionCancel: "/subscriptions/cancel",
	contracts.ActionRefundRequest:      "/refunds",
	contracts.ActionGoalTransfer:       "/transfers/goal",
	contracts.ActionInvestmentCreate:   "/investments",
	contracts.ActionIntentTrigger:      "/intents/trigger",
}

// Client talks to the execution provider over HTTPS.
type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a provider client. secret signs outbound request bodies.
func NewClient(baseURL string, secret []byte, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "surface"),
	}
}

// Execute performs the provider call for one action. The idempotency key is
// forwarded so the provider deduplicates on its side too.
func (c *Client) Execute(ctx context.Context, kind contracts.ActionKind, payload json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	path, ok := endpoints[kind]
	if !ok {
		return nil, fmt.Errorf("no provider endpoint for action %s", kind)
	}
	return c.post(ctx, path, payload, idempotencyKey)
}

// ReverseTransfer undoes a fund movement.
func (c *Client) ReverseTransfer(ctx context.Context, transferID string) error {
	return c.compensate(ctx, "/transfers/reverse", map[string]string{"transfer_id": transferID})
}

// ReactivateSubscription undoes a subscription cancellation.
func (c *Client) ReactivateSubscription(ctx context.Context, subscriptionID string) error {
	return c.compensate(ctx, "/subscriptions/reactivate", map[string]string{"subscription_id": subscriptionID})
}

// LiquidateInvestment unwinds an investment position.
func (c *Client) LiquidateInvestment(ctx context.Context, investmentID string) error {
	return c.compensate(ctx, "/investments/liquidate", map[string]string{"investment_id": investmentID})
}

func (c *Client) compensate(ctx context.Context, path string, body map[string]string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	key, err := security.NewIdempotencyKey("comp")
	if err != nil {
		return err
	}
	_, err = c.post(ctx, path, raw, key)
	return err
}

func (c *Client) post(ctx context.Context, path string, body json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	signature := security.Sign(body, c.secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signature)
	req.Header.Set(idempotencyHeader, idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider call %s: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WarnContext(ctx, "provider rejected request",
			"path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("provider returned %d for %s: %s", resp.StatusCode, path, truncate(responseBody, 256))
	}
	return responseBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
