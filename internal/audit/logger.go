package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"acad-system/backend/internal/audit/domain"
	auditrepo "acad-system/backend/internal/audit/repository"
	"acad-system/backend/internal/telemetry"
	"acad-system/backend/internal/telemetry/producer"
)

const publishTimeout = 5 * time.Second

// ClientExtractor returns the caller's IP and user agent from the request context.
type ClientExtractor func(context.Context) (ip, userAgent string)

// Recorder writes security events. Record is best-effort: failures are logged and never reach
// the caller.
type Recorder interface {
	Record(ctx context.Context, actor domain.Actor, websiteID string, eventType domain.EventType, severity domain.Severity, metadata map[string]any)
}

// EventCounter counts recorded events (Prometheus).
type EventCounter interface {
	SecurityEvent(eventType, severity string)
}

// Logger implements Recorder over the security_events table, with optional Kafka and OTel sinks.
type Logger struct {
	repo     auditrepo.Repository
	client   ClientExtractor
	log      *zap.Logger
	producer producer.Producer
	emitter  telemetry.EventEmitter
	counter  EventCounter
	now      func() time.Time
}

// NewLogger returns a Logger persisting to repo. client may be nil; IP and user agent are then
// left empty.
func NewLogger(repo auditrepo.Repository, client ClientExtractor, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{repo: repo, client: client, log: log, now: time.Now}
}

// WithProducer publishes every event to Kafka as well.
func (l *Logger) WithProducer(p producer.Producer) *Logger {
	l.producer = p
	return l
}

// WithEmitter emits every event as an OTel log record as well.
func (l *Logger) WithEmitter(e telemetry.EventEmitter) *Logger {
	l.emitter = e
	return l
}

func (l *Logger) WithCounter(c EventCounter) *Logger {
	l.counter = c
	return l
}

// Record persists one event synchronously and fans it out to the async sinks.
func (l *Logger) Record(ctx context.Context, actor domain.Actor, websiteID string, eventType domain.EventType, severity domain.Severity, metadata map[string]any) {
	if severity == "" {
		severity = domain.SeverityInfo
	}
	e := &domain.SecurityEvent{
		ID:         ksuid.New().String(),
		UserID:     actor.UserID,
		ActorEmail: actor.Email,
		ActorRole:  actor.Role,
		WebsiteID:  websiteID,
		EventType:  eventType,
		Severity:   severity,
		CreatedAt:  l.now().UTC(),
	}
	if l.client != nil {
		e.IP, e.UserAgent = l.client(ctx)
	}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			l.log.Warn("audit: metadata not encodable", zap.String("event_type", string(eventType)), zap.Error(err))
		} else {
			e.Metadata = b
		}
	}
	if l.counter != nil {
		l.counter.SecurityEvent(string(eventType), string(severity))
	}
	if l.repo != nil {
		if err := l.repo.Create(context.WithoutCancel(ctx), e); err != nil {
			l.log.Error("audit: failed to persist security event",
				zap.String("event_type", string(eventType)), zap.String("user_id", actor.UserID), zap.Error(err))
		}
	}
	if l.producer != nil {
		go func() {
			pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
			defer cancel()
			if err := l.producer.Publish(pubCtx, e.UserID, e); err != nil {
				l.log.Warn("audit: kafka publish failed", zap.String("event_id", e.ID), zap.Error(err))
			}
		}()
	}
	telemetry.EmitAsync(ctx, l.log, l.emitter, &telemetry.Event{
		ID:        e.ID,
		Type:      string(e.EventType),
		Severity:  string(e.Severity),
		WebsiteID: e.WebsiteID,
		UserID:    e.UserID,
		IP:        e.IP,
		Body:      e.Metadata,
		Time:      e.CreatedAt,
	})
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, domain.Actor, string, domain.EventType, domain.Severity, map[string]any) {
}
