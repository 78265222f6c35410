package domain

import "time"

// Session is one sign-in on one website (login_sessions row). A revoked session keeps its row;
// IsActive and RevokedAt always agree.
type Session struct {
	ID               string     `db:"id" json:"id"`
	UserID           string     `db:"user_id" json:"user_id"`
	WebsiteID        string     `db:"website_id" json:"website_id"`
	DeviceID         *string    `db:"device_id" json:"device_id,omitempty"`
	IP               string     `db:"ip" json:"ip"`
	UserAgent        string     `db:"user_agent" json:"user_agent"`
	DeviceName       string     `db:"device_name" json:"device_name"`
	TrustedDevice    bool       `db:"trusted_device" json:"trusted_device"`
	RefreshJTI       string     `db:"refresh_jti" json:"-"`
	RefreshTokenHash string     `db:"refresh_token_hash" json:"-"`
	LoggedInAt       time.Time  `db:"logged_in_at" json:"logged_in_at"`
	LastSeenAt       *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expires_at"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	RevokedAt        *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Active reports whether the session is neither revoked nor past its refresh expiry.
func (s *Session) Active(now time.Time) bool {
	return s.IsActive && s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// DeviceInfo describes the client a session is started for. Trusted is set only after the device
// token was verified server side.
type DeviceInfo struct {
	DeviceID string
	Name     string
	Trusted  bool
}
