package domain

import "time"

// TrustedDevice is a browser or app the user asked us to remember. Only the SHA-256 of the
// device token is stored.
type TrustedDevice struct {
	ID         string     `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"user_id"`
	WebsiteID  string     `db:"website_id" json:"website_id"`
	TokenHash  string     `db:"token_hash" json:"-"`
	DeviceName string     `db:"device_name" json:"device_name"`
	UserAgent  string     `db:"user_agent" json:"user_agent"`
	IP         string     `db:"ip" json:"ip"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Active reports whether the device still counts as trusted at now.
func (d *TrustedDevice) Active(now time.Time) bool {
	return d.RevokedAt == nil && d.ExpiresAt.After(now)
}

// Info describes the device being remembered.
type Info struct {
	Name      string
	UserAgent string
	IP        string
}
