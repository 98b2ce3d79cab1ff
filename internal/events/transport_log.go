package events

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/models"
)

// LogTransport writes every published event to the structured log. Useful in
// development and as the reference transport implementation.
type LogTransport struct {
	logger arbor.ILogger
}

// NewLogTransport creates a log transport
func NewLogTransport(logger arbor.ILogger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, event *models.DomainEvent) error {
	t.logger.Info().
		Str("event_id", event.ID).
		Str("type", event.Type).
		Str("stream_id", event.StreamID).
		Int64("version", event.Version).
		Msg("Event published")
	return nil
}

func (t *LogTransport) Close() error { return nil }
