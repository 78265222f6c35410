// Package suspension lets a user pause their account until they reactivate it or a scheduled time
// passes.
package suspension

import (
	"context"
	"time"
)

// Suspension is the per-user suspension row. There is at most one per user; it is created on first
// read and then toggled.
type Suspension struct {
	ID                    string     `db:"id" json:"id"`
	UserID                string     `db:"user_id" json:"user_id"`
	WebsiteID             string     `db:"website_id" json:"website_id"`
	IsSuspended           bool       `db:"is_suspended" json:"is_suspended"`
	Reason                string     `db:"reason" json:"reason"`
	SuspendedAt           *time.Time `db:"suspended_at" json:"suspended_at,omitempty"`
	ScheduledReactivation *time.Time `db:"scheduled_reactivation" json:"scheduled_reactivation,omitempty"`
	ReactivatedAt         *time.Time `db:"reactivated_at" json:"reactivated_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// Due reports whether a scheduled reactivation has come.
func (s *Suspension) Due(now time.Time) bool {
	return s.IsSuspended && s.ScheduledReactivation != nil && !s.ScheduledReactivation.After(now)
}

// Repository persists suspensions. Transitions are guarded updates that return nil when the row
// was not in the source state.
type Repository interface {
	GetOrCreate(ctx context.Context, id, userID, websiteID string, at time.Time) (*Suspension, error)
	Suspend(ctx context.Context, userID, websiteID, reason string, until *time.Time, at time.Time) (*Suspension, error)
	Reactivate(ctx context.Context, userID string, at time.Time) (*Suspension, error)
	ReactivateDue(ctx context.Context, now time.Time) ([]*Suspension, error)
}
