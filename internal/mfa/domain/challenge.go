package domain

import (
	"time"

	userdomain "acad-system/backend/internal/user/domain"
)

// Purpose says what completing a challenge unlocks.
type Purpose string

const (
	PurposeLogin   Purpose = "login"
	PurposeEnroll  Purpose = "enroll"
	PurposeDisable Purpose = "disable"
)

// Challenge is a pending second-factor step (mfa_challenges row). CodeHash is set for emailed and
// texted codes, PendingSecret (sealed) for a TOTP enrollment. The client fields are carried from
// the password step so the session started on success describes the same device.
type Challenge struct {
	ID             string               `db:"id"`
	UserID         string               `db:"user_id"`
	WebsiteID      string               `db:"website_id"`
	Purpose        Purpose              `db:"purpose"`
	Method         userdomain.MFAMethod `db:"method"`
	CodeHash       string               `db:"code_hash"`
	PendingSecret  []byte               `db:"pending_secret"`
	Phone          string               `db:"phone"`
	IP             string               `db:"ip"`
	UserAgent      string               `db:"user_agent"`
	DeviceName     string               `db:"device_name"`
	RememberDevice bool                 `db:"remember_device"`
	ExpiresAt      time.Time            `db:"expires_at"`
	ConsumedAt     *time.Time           `db:"consumed_at"`
	CreatedAt      time.Time            `db:"created_at"`
}

// Open reports whether the challenge can still be completed at now.
func (c *Challenge) Open(now time.Time) bool {
	return c.ConsumedAt == nil && c.ExpiresAt.After(now)
}

// BackupCode is one stored recovery code hash.
type BackupCode struct {
	ID        string     `db:"id"`
	UserID    string     `db:"user_id"`
	CodeHash  string     `db:"code_hash"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}
