package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"acad-system/backend/internal/telemetry"
)

// RecordEmitter is the subset of otellog.Logger the adapter needs.
type RecordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via provider.
// A nil provider yields a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("acad.security")}
}

// NewEventEmitterWithLogger wraps an existing record emitter.
func NewEventEmitterWithLogger(l RecordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: l}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.Event) error { return nil }

type otelEmitter struct {
	logger RecordEmitter
}

func severityOf(s string) otellog.Severity {
	switch s {
	case "critical":
		return otellog.SeverityError
	case "warning":
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

// Emit converts the event to an OTel log record.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(severityOf(event.Severity))
	rec.SetSeverityText(event.Severity)
	if len(event.Body) > 0 {
		rec.SetBody(otellog.BytesValue(event.Body))
	}
	attrs := []struct{ k, v string }{
		{"event_id", event.ID},
		{"event_type", event.Type},
		{"website_id", event.WebsiteID},
		{"user_id", event.UserID},
		{"client_ip", event.IP},
	}
	for _, a := range attrs {
		if a.v != "" {
			rec.AddAttributes(otellog.String(a.k, a.v))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}
