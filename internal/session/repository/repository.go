package repository

import (
	"context"
	"time"

	"acad-system/backend/internal/session/domain"
)

// Repository persists login sessions. Rows are never deleted; revocation is a guarded update.
// Lookups return (nil, nil) when no row matches.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	ListByUser(ctx context.Context, userID, websiteID string, activeOnly bool, now time.Time) ([]*domain.Session, error)
	// Revoke revokes a live session and returns the updated row, or nil when it was already revoked
	// or does not exist.
	Revoke(ctx context.Context, id string, at time.Time) (*domain.Session, error)
	// RevokeAll revokes every live session of the user except exceptID and returns their ids. An
	// empty websiteID spans all websites.
	RevokeAll(ctx context.Context, userID, websiteID, exceptID string, at time.Time) ([]string, error)
	CountActive(ctx context.Context, userID, websiteID string, now time.Time) (int, error)
	// OldestActiveExcept returns the live session with the earliest logged_in_at other than exceptID.
	OldestActiveExcept(ctx context.Context, userID, websiteID, exceptID string, now time.Time) (*domain.Session, error)
	// RotateRefresh swaps the refresh binding only while oldJTI is still current, so two refreshes
	// racing on one token cannot both win.
	RotateRefresh(ctx context.Context, id, oldJTI, newJTI, newHash string, expiresAt, at time.Time) (bool, error)
}
