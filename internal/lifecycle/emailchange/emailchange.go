// Package emailchange moves a client's login address through admin approval and token
// confirmation by the new (and optionally the old) address.
package emailchange

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusAdminApproved Status = "admin_approved"
	StatusEmailVerified Status = "email_verified"
	StatusCompleted     Status = "completed"
	StatusRejected      Status = "rejected"
	StatusCancelled     Status = "cancelled"
)

// Active reports whether s still counts against the one-open-request-per-user rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusAdminApproved || s == StatusEmailVerified
}

// Request is an email_change_requests row. Token hashes are cleared once used.
type Request struct {
	ID                          string     `db:"id" json:"id"`
	UserID                      string     `db:"user_id" json:"user_id"`
	WebsiteID                   string     `db:"website_id" json:"website_id"`
	OldEmail                    string     `db:"old_email" json:"old_email"`
	NewEmail                    string     `db:"new_email" json:"new_email"`
	Status                      Status     `db:"status" json:"status"`
	RequireOldEmailConfirmation bool       `db:"require_old_email_confirmation" json:"require_old_email_confirmation"`
	VerificationTokenHash       string     `db:"verification_token_hash" json:"-"`
	VerificationTokenExpiresAt  *time.Time `db:"verification_token_expires_at" json:"verification_token_expires_at,omitempty"`
	OldEmailTokenHash           string     `db:"old_email_token_hash" json:"-"`
	OldEmailTokenExpiresAt      *time.Time `db:"old_email_token_expires_at" json:"old_email_token_expires_at,omitempty"`
	AdminApproved               bool       `db:"admin_approved" json:"admin_approved"`
	ApprovedBy                  *string    `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt                  *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	RejectionReason             string     `db:"rejection_reason" json:"rejection_reason,omitempty"`
	NewEmailVerifiedAt          *time.Time `db:"new_email_verified_at" json:"new_email_verified_at,omitempty"`
	OldEmailConfirmed           bool       `db:"old_email_confirmed" json:"old_email_confirmed"`
	CompletedAt                 *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt                   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time  `db:"updated_at" json:"updated_at"`
}

// Tokens carries the hashes minted at approval.
type Tokens struct {
	VerificationHash      string
	VerificationExpiresAt time.Time
	// OldEmailHash is empty unless the request requires old-address confirmation.
	OldEmailHash      string
	OldEmailExpiresAt *time.Time
}

// Repository persists email change requests. Lookups return (nil, nil) when nothing matches and
// the transitions return nil when the row was not in the required source state.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	GetByVerificationTokenHash(ctx context.Context, hash string) (*Request, error)
	GetByOldEmailTokenHash(ctx context.Context, hash string) (*Request, error)
	// CancelActiveByUser cancels every open request of the user and returns how many it touched.
	CancelActiveByUser(ctx context.Context, userID string, at time.Time) (int64, error)
	Approve(ctx context.Context, id, approvedBy string, tokens Tokens, at time.Time) (*Request, error)
	Reject(ctx context.Context, id, approvedBy, reason string, at time.Time) (*Request, error)
	// MarkNewEmailVerified clears the verification hash. The request completes at once when it
	// needs no old-address confirmation.
	MarkNewEmailVerified(ctx context.Context, id string, at time.Time) (*Request, error)
	ConfirmOld(ctx context.Context, id string, at time.Time) (*Request, error)
	Cancel(ctx context.Context, id string, at time.Time) (*Request, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Request, error)
}
