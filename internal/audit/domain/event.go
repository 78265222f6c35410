package domain

import (
	"encoding/json"
	"time"
)

// Severity grades a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EventType names what happened.
type EventType string

const (
	EventRegistered           EventType = "registered"
	EventLoginSuccess         EventType = "login_success"
	EventLoginFailed          EventType = "login_failed"
	EventAccountLocked        EventType = "account_locked"
	EventAccountUnlocked      EventType = "account_unlocked"
	EventPasswordChanged      EventType = "password_changed"
	EventPasswordChangeFailed EventType = "password_change_failed"
	EventSessionRevoked       EventType = "session_revoked"
	EventSessionsRevokedAll   EventType = "sessions_revoked_all"
	EventSessionLimitEvicted  EventType = "session_limit_evicted"
	EventSessionLimitUpdated  EventType = "session_limit_updated"
	EventRefreshTokenReuse    EventType = "refresh_token_reuse"
	EventDeviceTrusted        EventType = "device_trusted"
	EventDeviceRevoked        EventType = "device_revoked"
	EventMFAChallengeFailed   EventType = "mfa_challenge_failed"
	EventMFAEnabled           EventType = "mfa_enabled"
	EventMFADisabled          EventType = "mfa_disabled"
	EventBackupCodeUsed       EventType = "backup_code_used"
	EventBackupCodesRegen     EventType = "backup_codes_regenerated"
	EventMagicLinkSent        EventType = "magic_link_sent"
	EventMagicLinkUsed        EventType = "magic_link_used"
	EventAccountSuspended     EventType = "account_suspended"
	EventAccountReactivated   EventType = "account_reactivated"
	EventDeletionRequested    EventType = "deletion_requested"
	EventDeletionCancelled    EventType = "deletion_cancelled"
	EventDeletionConfirmed    EventType = "deletion_confirmed"
	EventDeletionApproved     EventType = "deletion_approved"
	EventDeletionRejected     EventType = "deletion_rejected"
	EventEmailChangeRequested EventType = "email_change_requested"
	EventEmailChangeApproved  EventType = "email_change_approved"
	EventEmailChangeRejected  EventType = "email_change_rejected"
	EventEmailChangeVerified  EventType = "email_change_verified"
	EventEmailChangeCompleted EventType = "email_change_completed"
	EventEmailChangeCancelled EventType = "email_change_cancelled"
	EventAdminAction          EventType = "admin_action"
)

// Actor is the resolved identity an event is attributed to.
type Actor struct {
	UserID string
	Email  string
	Role   string
}

// SecurityEvent is one append-only audit record.
type SecurityEvent struct {
	ID         string          `db:"id" json:"id"`
	UserID     string          `db:"user_id" json:"user_id"`
	ActorEmail string          `db:"actor_email" json:"actor_email"`
	ActorRole  string          `db:"actor_role" json:"actor_role"`
	WebsiteID  string          `db:"website_id" json:"website_id"`
	EventType  EventType       `db:"event_type" json:"event_type"`
	Severity   Severity        `db:"severity" json:"severity"`
	IP         string          `db:"ip" json:"ip"`
	UserAgent  string          `db:"user_agent" json:"user_agent"`
	Metadata   json.RawMessage `db:"-" json:"metadata"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}
