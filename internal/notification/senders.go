package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"acad-system/backend/internal/devotp"
	"acad-system/backend/internal/telemetry/producer"
)

// KafkaSender publishes messages to the notifications topic for the delivery backends.
type KafkaSender struct {
	producer producer.Producer
}

func NewKafkaSender(p producer.Producer) *KafkaSender {
	return &KafkaSender{producer: p}
}

func (s *KafkaSender) Send(ctx context.Context, m Message) error {
	key := m.UserID
	if key == "" {
		key = m.Email
	}
	return s.producer.Publish(ctx, key, m)
}

// SMSClient is satisfied by *sms.SMSLocalClient.
type SMSClient interface {
	SendOTP(ctx context.Context, phone, otp string) error
	SendText(ctx context.Context, phone, text string) error
}

var errNoPhone = errors.New("notification: message has no phone number")

// SMSSender delivers codes over the OTP route and everything else as text.
type SMSSender struct {
	client SMSClient
}

func NewSMSSender(client SMSClient) *SMSSender {
	return &SMSSender{client: client}
}

func (s *SMSSender) Send(ctx context.Context, m Message) error {
	if m.Phone == "" {
		return errNoPhone
	}
	if code := m.Payload[PayloadCode]; code != "" {
		return s.client.SendOTP(ctx, m.Phone, code)
	}
	text := m.Payload[PayloadText]
	if text == "" {
		text = smsText(m.EventKey)
	}
	return s.client.SendText(ctx, m.Phone, text)
}

func smsText(eventKey string) string {
	switch eventKey {
	case EventAccountLocked:
		return "Your account was locked after repeated failed sign-in attempts."
	case EventPasswordChanged:
		return "Your password was changed. If this was not you, contact support."
	case EventRefreshTokenReuse:
		return "We signed you out everywhere after detecting a reused sign-in token."
	default:
		return fmt.Sprintf("Account notice: %s", eventKey)
	}
}

// DevSender files codes and tokens in the dev store so DevService can return them. Codes go
// under their challenge id, tokens under devotp.TokenKey(event key, email).
type DevSender struct {
	store devotp.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewDevSender(store devotp.Store, ttl time.Duration) *DevSender {
	return &DevSender{store: store, ttl: ttl, now: time.Now}
}

func (s *DevSender) Send(ctx context.Context, m Message) error {
	expiresAt := s.now().Add(s.ttl)
	if code, id := m.Payload[PayloadCode], m.Payload[PayloadChallengeID]; code != "" && id != "" {
		s.store.Put(ctx, id, code, expiresAt)
	}
	if token := m.Payload[PayloadToken]; token != "" && m.Email != "" {
		s.store.Put(ctx, devotp.TokenKey(m.EventKey, m.Email), token, expiresAt)
	}
	return nil
}

// LogSender records that a message was sent. The payload is never logged.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, m Message) error {
	channels := make([]string, len(m.Channels))
	for i, c := range m.Channels {
		channels[i] = string(c)
	}
	s.log.Info("notification",
		zap.String("event_key", m.EventKey),
		zap.String("user_id", m.UserID),
		zap.String("website_id", m.WebsiteID),
		zap.Strings("channels", channels))
	return nil
}
