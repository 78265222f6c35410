// Package telemetry carries security events to observability sinks (OTel logs, Kafka, Loki).
package telemetry

import (
	"context"
	"time"
)

// Event is a sink-neutral security event.
type Event struct {
	ID        string
	Type      string
	Severity  string
	WebsiteID string
	UserID    string
	IP        string
	Body      []byte
	Time      time.Time
}

// EventEmitter emits events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
