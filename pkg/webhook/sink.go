package webhook

import (
	"context"
	"log/slog"
)

// LogSink records verified webhook events to the structured log. It is the
// default sink until a transaction refresh pipeline is attached.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs verified events.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "webhook-sink")}
}

func (s *LogSink) TransactionsUpdated(ctx context.Context, itemID string, newCount int, removedIDs []string) error {
	s.logger.InfoContext(ctx, "transactions updated",
		"item_id", itemID, "new", newCount, "removed", len(removedIDs))
	return nil
}

func (s *LogSink) ItemError(ctx context.Context, itemID, code, message string) error {
	s.logger.WarnContext(ctx, "item error reported",
		"item_id", itemID, "code", code, "message", message)
	return nil
}
