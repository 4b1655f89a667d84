// Package webhook ingests signed push notifications from the banking data
// provider. The signature is verified with a constant-time comparison before
// the payload is trusted; unverifiable payloads are rejected with no
// processing.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/finpilot-labs/finpilot/pkg/audit"
	"github.com/finpilot-labs/finpilot/pkg/security"
)

// SignatureHeader carries the provider's HMAC over the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Payload is the provider's notification envelope.
type Payload struct {
	WebhookType         string    `json:"webhook_type"`
	WebhookCode         string    `json:"webhook_code"`
	ItemID              string    `json:"item_id"`
	NewTransactions     int       `json:"new_transactions,omitempty"`
	RemovedTransactions []string  `json:"removed_transactions,omitempty"`
	Error               *ItemFail `json:"error,omitempty"`
}

// ItemFail describes a provider-side item error, such as expired credentials.
type ItemFail struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Sink receives verified webhook events.
type Sink interface {
	// TransactionsUpdated reports new and removed transactions for an item.
	TransactionsUpdated(ctx context.Context, itemID string, newCount int, removedIDs []string) error
	// ItemError reports a provider-side error requiring user attention.
	ItemError(ctx context.Context, itemID, code, message string) error
}

// Handler verifies and dispatches provider webhooks.
type Handler struct {
	token    []byte
	sink     Sink
	auditLog audit.Log
	logger   *slog.Logger
}

// NewHandler creates a webhook handler. token is the shared verification
// secret agreed with the provider.
func NewHandler(token []byte, sink Sink, auditLog audit.Log) *Handler {
	return &Handler{
		token:    token,
		sink:     sink,
		auditLog: auditLog,
		logger:   slog.Default().With("component", "webhook"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if len(h.token) == 0 || !security.Verify(body, signature, h.token) {
		h.appendAudit("", audit.StatusFailure, map[string]any{"reason": "invalid signature"})
		http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), payload); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			"webhook_type", payload.WebhookType, "item_id", payload.ItemID, "error", err)
		http.Error(w, "webhook processing failed", http.StatusInternalServerError)
		return
	}

	h.appendAudit(payload.ItemID, audit.StatusSuccess, map[string]any{
		"webhook_type": payload.WebhookType,
		"webhook_code": payload.WebhookCode,
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"received":true}`))
}

func (h *Handler) dispatch(ctx context.Context, payload Payload) error {
	switch payload.WebhookType {
	case "TRANSACTIONS":
		return h.sink.TransactionsUpdated(ctx, payload.ItemID, payload.NewTransactions, payload.RemovedTransactions)
	case "ITEM":
		if payload.WebhookCode == "ERROR" && payload.Error != nil {
			return h.sink.ItemError(ctx, payload.ItemID, payload.Error.ErrorCode, payload.Error.ErrorMessage)
		}
		return nil
	default:
		h.logger.Info("unhandled webhook type", "webhook_type", payload.WebhookType)
		return nil
	}
}

func (h *Handler) appendAudit(itemID, status string, metadata map[string]any) {
	if h.auditLog == nil {
		return
	}
	_ = h.auditLog.Append(audit.Event{
		Actor:        "webhook",
		Action:       "ingest",
		ResourceType: "item",
		ResourceID:   itemID,
		Status:       status,
		Metadata:     metadata,
	})
}
