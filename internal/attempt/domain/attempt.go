package domain

import "time"

// FailedAttempt is one rejected password or second-factor check. Rows are append-only; a reset
// marker (not deletion) decides which rows still count.
type FailedAttempt struct {
	ID          string    `db:"id"`
	UserID      string    `db:"user_id"`
	WebsiteID   string    `db:"website_id"`
	IP          string    `db:"ip"`
	UserAgent   string    `db:"user_agent"`
	AttemptedAt time.Time `db:"attempted_at"`
}
