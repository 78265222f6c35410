package domain

import (
	"time"

	"acad-system/backend/internal/platform/role"
)

// MFAMethod is the second factor a user has enrolled.
type MFAMethod string

const (
	MFANone     MFAMethod = "none"
	MFAEmailOTP MFAMethod = "email_otp"
	MFASMSOTP   MFAMethod = "sms_otp"
	MFATOTP     MFAMethod = "totp"
)

// Valid reports whether m is a known method.
func (m MFAMethod) Valid() bool {
	switch m {
	case MFANone, MFAEmailOTP, MFASMSOTP, MFATOTP:
		return true
	}
	return false
}

// User is the account record. MFASecret holds sealed bytes, never a plaintext seed.
type User struct {
	ID               string     `db:"id"`
	Email            string     `db:"email"`
	PasswordHash     string     `db:"password_hash"`
	Role             role.Role  `db:"role"`
	IsActive         bool       `db:"is_active"`
	IsFrozen         bool       `db:"is_frozen"`
	FrozenAt         *time.Time `db:"frozen_at"`
	EmailVerified    bool       `db:"email_verified"`
	Phone            string     `db:"phone"`
	MFAMethod        MFAMethod  `db:"mfa_method"`
	MFASecret        []byte     `db:"mfa_secret"`
	FailedLoginCount int        `db:"failed_login_count"`
	LockoutCount     int        `db:"lockout_count"`
	IsLocked         bool       `db:"is_locked"`
	LockoutUntil     *time.Time `db:"lockout_until"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// CanLogin is false for deactivated and frozen accounts.
func (u *User) CanLogin() bool {
	return u.IsActive && !u.IsFrozen
}

// LockActive reports whether a lockout is in force at now.
func (u *User) LockActive(now time.Time) bool {
	return u.IsLocked && u.LockoutUntil != nil && u.LockoutUntil.After(now)
}

// MFAEnabled reports whether login needs a second factor.
func (u *User) MFAEnabled() bool {
	return u.MFAMethod != "" && u.MFAMethod != MFANone
}
