// Package events delivers ledger events written to the outbox.
package events

import (
	"context"
	"log/slog"
)

//go:generate mockgen -source=publisher.go -destination=publisher_mock.go -package=events

// Publisher sends one event to the outside world. Implementations must be
// safe to call again with the same event: the relay delivers at least once.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

// LogPublisher writes events to the log instead of a broker. Used when no
// Kafka brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	p.logger.InfoContext(ctx, "event published",
		"event_type", eventType,
		"partition_key", partitionKey,
		"payload", string(payload),
	)
	return nil
}
