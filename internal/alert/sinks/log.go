package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/alert"
)

// LogSink emits structured logs for every accepted commentary. It is useful
// during development or audits where no outbound channel is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the alert using structured fields.
func (s *LogSink) Consume(_ context.Context, a alert.Alert) error {
	s.logger.Info("commentary alert",
		zap.Int64("resource_id", a.ResourceID),
		zap.String("title", a.Title),
		zap.String("ticker", a.Ticker),
		zap.String("action", a.Action),
		zap.Time("fetched_at", a.FetchedAt),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
