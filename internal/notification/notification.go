// Package notification fans user-facing messages out to delivery channels. Delivery is
// fire-and-forget: a failed send is logged and counted, never returned to the caller.
package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel is a delivery medium requested by the caller.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Event keys select the template used by the delivery backends.
const (
	EventWelcome                = "welcome"
	EventMFACode                = "mfa_code"
	EventMagicLink              = "magic_link"
	EventAccountLocked          = "account_locked"
	EventPasswordChanged        = "password_changed"
	EventAccountSuspended       = "account_suspended"
	EventAccountReactivated     = "account_reactivated"
	EventDeletionRequested      = "deletion_requested"
	EventDeletionConfirmed      = "deletion_confirmed"
	EventDeletionApproved       = "deletion_approved"
	EventDeletionRejected       = "deletion_rejected"
	EventEmailChangeRequested   = "email_change_requested"
	EventEmailChangeVerify      = "email_change_verify"
	EventEmailChangeConfirmOld  = "email_change_confirm_old"
	EventEmailChangeRejected    = "email_change_rejected"
	EventEmailChangeCompleted   = "email_change_completed"
	EventSessionLimitEvicted    = "session_limit_evicted"
	EventRefreshTokenReuse      = "refresh_token_reuse"
	EventBackupCodesRegenerated = "backup_codes_regenerated"
)

// Payload keys with a meaning outside the template.
const (
	PayloadCode        = "code"
	PayloadChallengeID = "challenge_id"
	PayloadToken       = "token"
	PayloadText        = "text"
)

// Message is one notification. Payload may carry secrets (codes, tokens); senders other than the
// delivery channels must not log it.
type Message struct {
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	WebsiteID string            `json:"website_id,omitempty"`
	EventKey  string            `json:"event_key"`
	Payload   map[string]string `json:"payload,omitempty"`
	Channels  []Channel         `json:"channels,omitempty"`
}

// Sender delivers a message over one medium.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Notifier is what services depend on.
type Notifier interface {
	Notify(ctx context.Context, m Message)
}

// Counter counts delivery outcomes per sender.
type Counter interface {
	Notification(channel string, ok bool)
}

const defaultSendTimeout = 10 * time.Second

type namedSender struct {
	name   string
	sender Sender
}

// Dispatcher routes messages to the senders registered for their channels.
type Dispatcher struct {
	log     *zap.Logger
	timeout time.Duration
	routes  map[Channel][]namedSender
	taps    []namedSender
	counter Counter
	wg      sync.WaitGroup
}

func NewDispatcher(log *zap.Logger, timeout time.Duration) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Dispatcher{log: log, timeout: timeout, routes: make(map[Channel][]namedSender)}
}

// Route registers s for messages requesting ch. A sender registered under the same name on
// several channels receives each message once.
func (d *Dispatcher) Route(ch Channel, name string, s Sender) *Dispatcher {
	d.routes[ch] = append(d.routes[ch], namedSender{name: name, sender: s})
	return d
}

// Tap registers s for every message regardless of channel.
func (d *Dispatcher) Tap(name string, s Sender) *Dispatcher {
	d.taps = append(d.taps, namedSender{name: name, sender: s})
	return d
}

func (d *Dispatcher) WithCounter(c Counter) *Dispatcher {
	d.counter = c
	return d
}

// Notify sends m in the background. Messages without channels go to email.
func (d *Dispatcher) Notify(ctx context.Context, m Message) {
	channels := m.Channels
	if len(channels) == 0 {
		channels = []Channel{ChannelEmail}
		m.Channels = channels
	}
	seen := make(map[string]bool)
	var targets []namedSender
	for _, ch := range channels {
		for _, ns := range d.routes[ch] {
			if !seen[ns.name] {
				seen[ns.name] = true
				targets = append(targets, ns)
			}
		}
	}
	for _, ns := range d.taps {
		if !seen[ns.name] {
			seen[ns.name] = true
			targets = append(targets, ns)
		}
	}
	if len(targets) == 0 {
		d.log.Warn("notification: no sender for message", zap.String("event_key", m.EventKey))
		return
	}
	base := context.WithoutCancel(ctx)
	for _, ns := range targets {
		d.wg.Add(1)
		go func(ns namedSender) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			err := ns.sender.Send(sendCtx, m)
			if d.counter != nil {
				d.counter.Notification(ns.name, err == nil)
			}
			if err != nil {
				d.log.Warn("notification: send failed",
					zap.String("sender", ns.name),
					zap.String("event_key", m.EventKey),
					zap.String("user_id", m.UserID),
					zap.Error(err))
			}
		}(ns)
	}
}

// Wait blocks until every in-flight send has finished. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) {}
