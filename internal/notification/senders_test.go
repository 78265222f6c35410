package notification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"acad-system/backend/internal/devotp"
)

type fakePublisher struct {
	key string
	v   any
}

func (f *fakePublisher) Publish(ctx context.Context, key string, v any) error {
	f.key, f.v = key, v
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestKafkaSender_KeysByUser(t *testing.T) {
	p := &fakePublisher{}
	s := NewKafkaSender(p)
	require.NoError(t, s.Send(context.Background(), Message{UserID: "u1", Email: "a@x.com", EventKey: EventWelcome}))
	assert.Equal(t, "u1", p.key)

	require.NoError(t, s.Send(context.Background(), Message{Email: "a@x.com", EventKey: EventMagicLink}))
	assert.Equal(t, "a@x.com", p.key)

	b, err := json.Marshal(p.v)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"event_key":"magic_link"`)
}

type fakeSMS struct {
	otpPhone, otp   string
	textPhone, text string
}

func (f *fakeSMS) SendOTP(ctx context.Context, phone, otp string) error {
	f.otpPhone, f.otp = phone, otp
	return nil
}

func (f *fakeSMS) SendText(ctx context.Context, phone, text string) error {
	f.textPhone, f.text = phone, text
	return nil
}

func TestSMSSender(t *testing.T) {
	client := &fakeSMS{}
	s := NewSMSSender(client)

	err := s.Send(context.Background(), Message{Phone: "+1555", EventKey: EventMFACode, Payload: map[string]string{PayloadCode: "123456"}})
	require.NoError(t, err)
	assert.Equal(t, "123456", client.otp)

	err = s.Send(context.Background(), Message{Phone: "+1555", EventKey: EventAccountLocked})
	require.NoError(t, err)
	assert.Contains(t, client.text, "locked")

	err = s.Send(context.Background(), Message{EventKey: EventAccountLocked})
	assert.ErrorIs(t, err, errNoPhone)
}

func TestDevSender_FilesCodesAndTokens(t *testing.T) {
	store := devotp.NewMemoryStore()
	s := NewDevSender(store, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, Message{EventKey: EventMFACode, Payload: map[string]string{PayloadCode: "654321", PayloadChallengeID: "ch-1"}}))
	require.NoError(t, s.Send(ctx, Message{Email: "A@x.com", EventKey: EventMagicLink, Payload: map[string]string{PayloadToken: "tok"}}))

	code, ok := store.Get(ctx, "ch-1")
	assert.True(t, ok)
	assert.Equal(t, "654321", code)
	token, ok := store.Get(ctx, devotp.TokenKey(EventMagicLink, "a@x.com"))
	assert.True(t, ok)
	assert.Equal(t, "tok", token)
}

func TestLogSender_OmitsPayload(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSender(zap.New(core))
	require.NoError(t, s.Send(context.Background(), Message{
		UserID:   "u1",
		EventKey: EventMFACode,
		Payload:  map[string]string{PayloadCode: "999999"},
		Channels: []Channel{ChannelEmail},
	}))
	require.Equal(t, 1, logs.Len())
	for _, f := range logs.All()[0].Context {
		assert.NotContains(t, f.String, "999999")
	}
}
