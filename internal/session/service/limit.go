package service

import (
	"context"
	"errors"
	"fmt"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/notification"
	policydomain "acad-system/backend/internal/policy/domain"
	policyrepo "acad-system/backend/internal/policy/repository"
	"acad-system/backend/internal/session/domain"
	userdomain "acad-system/backend/internal/user/domain"
)

// ErrNotPermitted is returned when the actor may not change another user's session policy.
var ErrNotPermitted = errors.New("not permitted to manage this session policy")

// ErrInvalidPolicy is returned for a negative session maximum.
var ErrInvalidPolicy = errors.New("max_concurrent_sessions must not be negative")

// LimitError is returned when a new session would exceed the user's limit and the policy does not
// allow evicting the oldest one.
type LimitError struct {
	Active int
	Max    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("session limit reached: %d active sessions, maximum %d", e.Active, e.Max)
}

// LimitDefaults seed a user's policy the first time it is read.
type LimitDefaults struct {
	MaxConcurrentSessions int
	AllowUnlimitedTrusted bool
	RevokeOldestOnLimit   bool
}

// Limiter enforces the per-(user, website) concurrent session policy.
type Limiter struct {
	sessions *Service
	policies policyrepo.Repository
	defaults LimitDefaults
}

// NewLimiter returns a limiter that evicts through sessions.
func NewLimiter(sessions *Service, policies policyrepo.Repository, defaults LimitDefaults) *Limiter {
	return &Limiter{sessions: sessions, policies: policies, defaults: defaults}
}

func (l *Limiter) seed(userID, websiteID string) *policydomain.SessionLimitPolicy {
	return &policydomain.SessionLimitPolicy{
		UserID:                userID,
		WebsiteID:             websiteID,
		MaxConcurrentSessions: l.defaults.MaxConcurrentSessions,
		AllowUnlimitedTrusted: l.defaults.AllowUnlimitedTrusted,
		RevokeOldestOnLimit:   l.defaults.RevokeOldestOnLimit,
	}
}

// Enforce runs after newSession was inserted, in the same transaction. It returns the session it
// evicted, if any. A *LimitError means the caller must roll the new session back. trustedVerified
// must come from a server-side device check, never from the client.
func (l *Limiter) Enforce(ctx context.Context, newSession *domain.Session, trustedVerified bool) (*domain.Session, error) {
	p, err := l.GetPolicy(ctx, newSession.UserID, newSession.WebsiteID)
	if err != nil {
		return nil, err
	}
	if p.Unlimited() {
		return nil, nil
	}
	now := l.sessions.now().UTC()
	active, err := l.sessions.repo.CountActive(ctx, newSession.UserID, newSession.WebsiteID, now)
	if err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}
	if active <= p.MaxConcurrentSessions {
		return nil, nil
	}
	if p.AllowUnlimitedTrusted && trustedVerified {
		return nil, nil
	}
	if !p.RevokeOldestOnLimit {
		return nil, &LimitError{Active: active - 1, Max: p.MaxConcurrentSessions}
	}
	oldest, err := l.sessions.repo.OldestActiveExcept(ctx, newSession.UserID, newSession.WebsiteID, newSession.ID, now)
	if err != nil {
		return nil, fmt.Errorf("find oldest session: %w", err)
	}
	if oldest == nil {
		return nil, &LimitError{Active: active - 1, Max: p.MaxConcurrentSessions}
	}
	if _, err := l.sessions.Revoke(ctx, oldest.ID); err != nil {
		return nil, err
	}
	db.AfterCommit(ctx, func(ctx context.Context) {
		l.sessions.audit.Record(ctx, auditdomain.Actor{UserID: newSession.UserID}, newSession.WebsiteID,
			auditdomain.EventSessionLimitEvicted, auditdomain.SeverityInfo, map[string]any{
				"evicted_session_id": oldest.ID,
				"new_session_id":     newSession.ID,
				"max":                p.MaxConcurrentSessions,
			})
		l.sessions.notifier.Notify(ctx, notification.Message{
			UserID:    newSession.UserID,
			WebsiteID: newSession.WebsiteID,
			EventKey:  notification.EventSessionLimitEvicted,
			Payload:   map[string]string{"device_name": oldest.DeviceName, "ip": oldest.IP},
			Channels:  []notification.Channel{notification.ChannelEmail, notification.ChannelInApp},
		})
	})
	return oldest, nil
}

// GetPolicy returns the user's policy on the website, creating it from defaults on first read.
func (l *Limiter) GetPolicy(ctx context.Context, userID, websiteID string) (*policydomain.SessionLimitPolicy, error) {
	p, err := l.policies.GetOrCreate(ctx, l.seed(userID, websiteID))
	if err != nil {
		return nil, fmt.Errorf("get session policy: %w", err)
	}
	return p, nil
}

// UpdatePolicy overwrites a user's limits. Users may change their own policy; changing another
// user's needs the session-policy capability.
func (l *Limiter) UpdatePolicy(ctx context.Context, actor *userdomain.User, p *policydomain.SessionLimitPolicy) (*policydomain.SessionLimitPolicy, error) {
	if actor.ID != p.UserID && !actor.Role.CanManageSessionPolicy() {
		return nil, ErrNotPermitted
	}
	if p.MaxConcurrentSessions < 0 {
		return nil, ErrInvalidPolicy
	}
	if _, err := l.GetPolicy(ctx, p.UserID, p.WebsiteID); err != nil {
		return nil, err
	}
	updated, err := l.policies.Update(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("update session policy: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("update session policy: row for %s vanished", p.UserID)
	}
	l.sessions.audit.Record(ctx, audit.ActorOf(actor), p.WebsiteID, auditdomain.EventSessionLimitUpdated, auditdomain.SeverityInfo,
		map[string]any{
			"target_user_id":          p.UserID,
			"max_concurrent_sessions": updated.MaxConcurrentSessions,
			"allow_unlimited_trusted": updated.AllowUnlimitedTrusted,
			"revoke_oldest_on_limit":  updated.RevokeOldestOnLimit,
		})
	return updated, nil
}
