// Package producer publishes JSON messages to Kafka topics.
package producer

import "context"

// Producer publishes one message. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Publish JSON-encodes v and writes it under key. Messages with the same key keep their order.
	Publish(ctx context.Context, key string, v any) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}
