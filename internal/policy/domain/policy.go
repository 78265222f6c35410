package domain

import "time"

// SessionLimitPolicy caps concurrent sessions for one user on one website.
// MaxConcurrentSessions <= 0 means unlimited.
type SessionLimitPolicy struct {
	UserID                string    `db:"user_id"`
	WebsiteID             string    `db:"website_id"`
	MaxConcurrentSessions int       `db:"max_concurrent_sessions"`
	AllowUnlimitedTrusted bool      `db:"allow_unlimited_trusted"`
	RevokeOldestOnLimit   bool      `db:"revoke_oldest_on_limit"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

// Unlimited reports whether the policy imposes no cap.
func (p *SessionLimitPolicy) Unlimited() bool {
	return p.MaxConcurrentSessions <= 0
}
