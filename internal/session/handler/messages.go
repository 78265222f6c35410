package handler

import "time"

type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	WebsiteID     string     `json:"website_id"`
	IP            string     `json:"ip"`
	UserAgent     string     `json:"user_agent"`
	DeviceName    string     `json:"device_name"`
	TrustedDevice bool       `json:"trusted_device"`
	LoggedInAt    time.Time  `json:"logged_in_at"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	Active        bool       `json:"active"`
	// Current marks the session the request was made with.
	Current bool `json:"current"`
}

type ListSessionsRequest struct {
	// UserID lists another user's sessions; admins only.
	UserID     string `json:"user_id,omitempty"`
	ActiveOnly bool   `json:"active_only"`
}

type ListSessionsResponse struct {
	Sessions []*Session `json:"sessions"`
}

type RevokeSessionRequest struct {
	SessionID string `json:"session_id"`
}

type RevokeSessionResponse struct {
	Revoked bool `json:"revoked"`
}

type RevokeAllSessionsRequest struct {
	UserID      string `json:"user_id,omitempty"`
	KeepCurrent bool   `json:"keep_current"`
}

type RevokeAllSessionsResponse struct {
	RevokedSessionIDs []string `json:"revoked_session_ids"`
}

type GetSessionLimitPolicyRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type UpdateSessionLimitPolicyRequest struct {
	UserID                string `json:"user_id,omitempty"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions"`
	AllowUnlimitedTrusted bool   `json:"allow_unlimited_trusted"`
	RevokeOldestOnLimit   bool   `json:"revoke_oldest_on_limit"`
}

type SessionLimitPolicy struct {
	UserID                string    `json:"user_id"`
	WebsiteID             string    `json:"website_id"`
	MaxConcurrentSessions int       `json:"max_concurrent_sessions"`
	AllowUnlimitedTrusted bool      `json:"allow_unlimited_trusted"`
	RevokeOldestOnLimit   bool      `json:"revoke_oldest_on_limit"`
	Unlimited             bool      `json:"unlimited"`
	UpdatedAt             time.Time `json:"updated_at"`
}
