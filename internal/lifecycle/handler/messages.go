package handler

import (
	"time"

	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/emailchange"
	"acad-system/backend/internal/lifecycle/suspension"
)

type Empty struct{}

type SuspendRequest struct {
	Reason string `json:"reason"`
	// ReactivateAt schedules an automatic reactivation.
	ReactivateAt *time.Time `json:"reactivate_at,omitempty"`
}

type SuspensionResponse struct {
	Suspension *suspension.Suspension `json:"suspension"`
}

type RequestDeletionRequest struct {
	Reason string `json:"reason"`
}

type RequestDeletionResponse struct {
	Request *deletion.Request `json:"request"`
	// Created is false when a pending request already existed.
	Created bool `json:"created"`
}

type RequestEmailChangeRequest struct {
	NewEmail                    string `json:"new_email"`
	RequireOldEmailConfirmation bool   `json:"require_old_email_confirmation"`
}

type RequestIDRequest struct {
	RequestID string `json:"request_id"`
}

type EmailChangeResponse struct {
	Request *emailchange.Request `json:"request"`
}

type ApproveEmailChangeRequest struct {
	RequestID string `json:"request_id"`
	// RejectionReason rejects the request instead of approving it.
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type ListRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

type ListEmailChangesResponse struct {
	Requests []*emailchange.Request `json:"requests"`
}

type ConfirmDeletionRequest struct {
	RequestID    string `json:"request_id"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
}

type DecideDeletionRequest struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response,omitempty"`
}

type DeletionResponse struct {
	Request *deletion.Request `json:"request"`
}

type ListDeletionsResponse struct {
	Requests []*deletion.Request `json:"requests"`
}

type LockAccountRequest struct {
	UserID          string `json:"user_id"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type LockAccountResponse struct {
	LockedUntil time.Time `json:"locked_until"`
}

type UserIDRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type LockoutInfo struct {
	UserID            string     `json:"user_id"`
	Locked            bool       `json:"locked"`
	LockoutUntil      *time.Time `json:"lockout_until,omitempty"`
	FailedAttempts    int        `json:"failed_attempts"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	LockoutCount      int        `json:"lockout_count"`
	UnlockOptions     []string   `json:"unlock_options,omitempty"`
}

type ListSecurityEventsRequest struct {
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

type ListSecurityEventsResponse struct {
	Events     []*auditdomain.SecurityEvent `json:"events"`
	NextOffset int                          `json:"next_offset,omitempty"`
}
