// Package deletion runs account deletion requests: a cancellable pending window, then
// confirmation (the account is frozen), then an admin decision.
package deletion

import (
	"context"
	"time"
)

// Status of a deletion request. A user has at most one pending request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusApproved  Status = "approved"
)

// Request is an account_deletion_requests row.
type Request struct {
	ID                  string     `db:"id" json:"id"`
	UserID              string     `db:"user_id" json:"user_id"`
	WebsiteID           string     `db:"website_id" json:"website_id"`
	Reason              string     `db:"reason" json:"reason"`
	Status              Status     `db:"status" json:"status"`
	RequestedAt         time.Time  `db:"requested_at" json:"requested_at"`
	UndoTokenHash       string     `db:"undo_token_hash" json:"-"`
	UndoTokenExpiresAt  time.Time  `db:"undo_token_expires_at" json:"undo_token_expires_at"`
	ConfirmedAt         *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ScheduledDeletionAt *time.Time `db:"scheduled_deletion_at" json:"scheduled_deletion_at,omitempty"`
	PurgeAfter          *time.Time `db:"purge_after" json:"purge_after,omitempty"`
	AdminResponse       string     `db:"admin_response" json:"admin_response,omitempty"`
	ProcessedBy         *string    `db:"processed_by" json:"processed_by,omitempty"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Repository persists deletion requests. Lookups return (nil, nil) when nothing matches and the
// transitions return nil when the row was not in an allowed source state.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	GetPendingByUser(ctx context.Context, userID string) (*Request, error)
	GetByUndoTokenHash(ctx context.Context, hash string) (*Request, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Request, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]*Request, error)
	// Cancel rejects a pending request whose undo window is still open.
	Cancel(ctx context.Context, id string, at time.Time) (*Request, error)
	Confirm(ctx context.Context, id string, scheduledDeletion time.Time, processedBy *string, at time.Time) (*Request, error)
	// Decide moves a pending or confirmed request to approved or rejected.
	Decide(ctx context.Context, id string, to Status, response, processedBy string, purgeAfter *time.Time, at time.Time) (*Request, error)
}
