// Package lockout decides whether an account may attempt a sign-in and locks it after repeated
// failures. Every decision fails closed: if the attempt log or the policy cannot be consulted the
// account is treated as locked.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/policy/engine"
	userdomain "acad-system/backend/internal/user/domain"
)

// ErrNotPermitted is returned when the acting user may not lock or unlock accounts.
var ErrNotPermitted = errors.New("not permitted to manage account lockout")

// Reason explains a ShouldLockout decision.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonTrustedDevice    Reason = "trusted_device"
	ReasonAccountLocked    Reason = "account_locked"
	ReasonTooManyAttempts  Reason = "too_many_attempts"
	ReasonStateUnavailable Reason = "lockout_state_unavailable"
)

// UnlockOption is a way out of a lockout offered to the user.
type UnlockOption string

const (
	UnlockWait  UnlockOption = "wait"
	UnlockEmail UnlockOption = "email_unlock"
)

// LockedError is returned to a caller that is locked out.
type LockedError struct {
	Reason            Reason
	Until             *time.Time
	AttemptsRemaining int
	UnlockOptions     []UnlockOption
}

func (e *LockedError) Error() string {
	if e.Until != nil {
		return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
	}
	return "account temporarily locked"
}

// Info describes an account's lockout state.
type Info struct {
	Locked            bool
	LockoutUntil      *time.Time
	FailedAttempts    int
	AttemptsRemaining int
	LockoutCount      int
	UnlockOptions     []UnlockOption
}

// Attempts is the failed-attempt log.
type Attempts interface {
	Log(ctx context.Context, userID, websiteID, ip, userAgent string) error
	CountRecent(ctx context.Context, userID, websiteID string, window time.Duration) (int, error)
	Clear(ctx context.Context, userID, websiteID string) error
}

// Users persists the lock on the user row.
type Users interface {
	SetLock(ctx context.Context, id string, until time.Time, lockoutCount int) error
	ClearLock(ctx context.Context, id string) error
	ResetLockout(ctx context.Context, id string) error
}

// Policy decides whether and for how long to lock.
type Policy interface {
	Decide(ctx context.Context, in engine.LockoutInput) (engine.LockoutDecision, error)
}

// Config holds the lockout settings.
type Config struct {
	Threshold           int
	Window              time.Duration
	BaseDuration        time.Duration
	MaxDuration         time.Duration
	TrustedDeviceExempt bool
}

// Engine is the smart lockout engine.
type Engine struct {
	cfg      Config
	attempts Attempts
	users    Users
	policy   Policy
	audit    audit.Recorder
	notifier notification.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewEngine(cfg Config, attempts Attempts, users Users, policy Policy, rec audit.Recorder, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		attempts: attempts,
		users:    users,
		policy:   policy,
		audit:    rec,
		notifier: notification.Nop{},
		log:      log,
		now:      time.Now,
	}
}

// WithNotifier sends a lock alert to the account owner.
func (e *Engine) WithNotifier(n notification.Notifier) *Engine {
	e.notifier = n
	return e
}

// ShouldLockout reports whether u must be refused before its password is even checked.
// trustedDevice must come from the device trust store, never from the client. An expired lock is
// lifted here.
func (e *Engine) ShouldLockout(ctx context.Context, u *userdomain.User, websiteID string, trustedDevice bool) (bool, Reason, error) {
	if e.cfg.TrustedDeviceExempt && trustedDevice {
		return false, ReasonTrustedDevice, nil
	}
	now := e.now()
	if u.LockActive(now) {
		return true, ReasonAccountLocked, nil
	}
	if u.IsLocked {
		if err := e.liftExpired(ctx, u, websiteID); err != nil {
			return true, ReasonStateUnavailable, err
		}
	}
	n, err := e.attempts.CountRecent(ctx, u.ID, websiteID, e.cfg.Window)
	if err != nil {
		return true, ReasonStateUnavailable, err
	}
	if n >= e.cfg.Threshold {
		return true, ReasonTooManyAttempts, nil
	}
	return false, ReasonNone, nil
}

// liftExpired clears a lock whose time has passed. The failure count restarts; the escalation
// level is kept until the next successful sign-in.
func (e *Engine) liftExpired(ctx context.Context, u *userdomain.User, websiteID string) error {
	if err := e.users.ClearLock(ctx, u.ID); err != nil {
		return fmt.Errorf("lift expired lock: %w", err)
	}
	if err := e.attempts.Clear(ctx, u.ID, websiteID); err != nil {
		return fmt.Errorf("lift expired lock: %w", err)
	}
	u.IsLocked, u.LockoutUntil, u.FailedLoginCount = false, nil, 0
	e.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventAccountUnlocked, auditdomain.SeverityInfo,
		map[string]any{"via": "expiry"})
	return nil
}

// RegisterFailure logs a failed attempt and locks the account when the policy says so. It returns
// a *LockedError when this failure tripped the lock.
func (e *Engine) RegisterFailure(ctx context.Context, u *userdomain.User, websiteID, ip, userAgent string) (*LockedError, error) {
	if err := e.attempts.Log(ctx, u.ID, websiteID, ip, userAgent); err != nil {
		return nil, err
	}
	n, err := e.attempts.CountRecent(ctx, u.ID, websiteID, e.cfg.Window)
	if err != nil {
		return nil, err
	}
	u.FailedLoginCount++
	dec, err := e.policy.Decide(ctx, engine.LockoutInput{
		FailedCount:  n,
		Threshold:    e.cfg.Threshold,
		LockoutCount: u.LockoutCount,
		BaseDuration: e.cfg.BaseDuration,
		MaxDuration:  e.cfg.MaxDuration,
	})
	if err != nil {
		return nil, err
	}
	if !dec.Lock {
		return nil, nil
	}
	until := e.now().UTC().Add(dec.Duration)
	level := u.LockoutCount + 1
	if err := e.users.SetLock(ctx, u.ID, until, level); err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	u.IsLocked, u.LockoutUntil, u.LockoutCount = true, &until, level
	e.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventAccountLocked, auditdomain.SeverityWarning, map[string]any{
		"failed_attempts":  n,
		"lockout_count":    level,
		"duration_seconds": int64(dec.Duration / time.Second),
	})
	e.notifyLocked(ctx, u, websiteID, until)
	return &LockedError{
		Reason:        ReasonAccountLocked,
		Until:         &until,
		UnlockOptions: []UnlockOption{UnlockWait, UnlockEmail},
	}, nil
}

// notifyLocked alerts the owner once the lock is committed.
func (e *Engine) notifyLocked(ctx context.Context, u *userdomain.User, websiteID string, until time.Time) {
	channels := []notification.Channel{notification.ChannelEmail}
	if u.Phone != "" {
		channels = append(channels, notification.ChannelSMS)
	}
	msg := notification.Message{
		UserID:    u.ID,
		Email:     u.Email,
		Phone:     u.Phone,
		WebsiteID: websiteID,
		EventKey:  notification.EventAccountLocked,
		Payload:   map[string]string{"locked_until": until.Format(time.RFC3339)},
		Channels:  channels,
	}
	db.AfterCommit(ctx, func(ctx context.Context) { e.notifier.Notify(ctx, msg) })
}

// RegisterSuccess resets the attempt count and the escalation level and lifts any lock.
func (e *Engine) RegisterSuccess(ctx context.Context, u *userdomain.User, websiteID string) error {
	if err := e.attempts.Clear(ctx, u.ID, websiteID); err != nil {
		return err
	}
	if u.FailedLoginCount == 0 && u.LockoutCount == 0 && !u.IsLocked {
		return nil
	}
	if err := e.users.ResetLockout(ctx, u.ID); err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	u.FailedLoginCount, u.LockoutCount, u.IsLocked, u.LockoutUntil = 0, 0, false, nil
	return nil
}

// ClearLockout lifts a lock after an out-of-band proof of ownership, e.g. an unlock magic link.
func (e *Engine) ClearLockout(ctx context.Context, u *userdomain.User, websiteID, via string) error {
	if err := e.attempts.Clear(ctx, u.ID, websiteID); err != nil {
		return err
	}
	if err := e.users.ClearLock(ctx, u.ID); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	u.IsLocked, u.LockoutUntil, u.FailedLoginCount = false, nil, 0
	e.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventAccountUnlocked, auditdomain.SeverityInfo,
		map[string]any{"via": via})
	return nil
}

// GetLockoutInfo reports the current state without changing it.
func (e *Engine) GetLockoutInfo(ctx context.Context, u *userdomain.User, websiteID string) (Info, error) {
	n, err := e.attempts.CountRecent(ctx, u.ID, websiteID, e.cfg.Window)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		FailedAttempts:    n,
		AttemptsRemaining: max(e.cfg.Threshold-n, 0),
		LockoutCount:      u.LockoutCount,
	}
	if u.LockActive(e.now()) {
		info.Locked = true
		until := *u.LockoutUntil
		info.LockoutUntil = &until
		info.AttemptsRemaining = 0
	}
	if info.Locked || info.AttemptsRemaining == 0 {
		info.UnlockOptions = []UnlockOption{UnlockWait, UnlockEmail}
	}
	return info, nil
}

// LockedErrorFor builds the error returned when ShouldLockout refuses u.
func (e *Engine) LockedErrorFor(ctx context.Context, u *userdomain.User, websiteID string, reason Reason) *LockedError {
	le := &LockedError{Reason: reason, UnlockOptions: []UnlockOption{UnlockWait, UnlockEmail}}
	if reason == ReasonStateUnavailable {
		le.UnlockOptions = []UnlockOption{UnlockWait}
		return le
	}
	if u.LockActive(e.now()) {
		until := *u.LockoutUntil
		le.Until = &until
	}
	return le
}

// Lock is the admin lock. It does not raise the escalation level.
func (e *Engine) Lock(ctx context.Context, admin, target *userdomain.User, websiteID string, duration time.Duration, reason string) (time.Time, error) {
	if admin == nil || !admin.Role.CanManageAccounts() {
		return time.Time{}, ErrNotPermitted
	}
	if duration <= 0 {
		duration = e.cfg.BaseDuration
	}
	until := e.now().UTC().Add(duration)
	if err := e.users.SetLock(ctx, target.ID, until, target.LockoutCount); err != nil {
		return time.Time{}, fmt.Errorf("lock account: %w", err)
	}
	target.IsLocked, target.LockoutUntil = true, &until
	e.audit.Record(ctx, audit.ActorOf(admin), websiteID, auditdomain.EventAccountLocked, auditdomain.SeverityWarning, map[string]any{
		"target_user_id":   target.ID,
		"reason":           reason,
		"duration_seconds": int64(duration / time.Second),
	})
	return until, nil
}

// Unlock is the admin unlock. It resets the escalation level too.
func (e *Engine) Unlock(ctx context.Context, admin, target *userdomain.User, websiteID string) error {
	if admin == nil || !admin.Role.CanManageAccounts() {
		return ErrNotPermitted
	}
	if err := e.attempts.Clear(ctx, target.ID, websiteID); err != nil {
		return err
	}
	if err := e.users.ResetLockout(ctx, target.ID); err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}
	target.FailedLoginCount, target.LockoutCount, target.IsLocked, target.LockoutUntil = 0, 0, false, nil
	e.audit.Record(ctx, audit.ActorOf(admin), websiteID, auditdomain.EventAccountUnlocked, auditdomain.SeverityInfo, map[string]any{
		"target_user_id": target.ID,
		"via":            "admin",
	})
	return nil
}
