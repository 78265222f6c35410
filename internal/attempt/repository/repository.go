package repository

import (
	"context"
	"time"

	"acad-system/backend/internal/attempt/domain"
)

// Repository persists failed login attempts and per-(user, website) reset markers.
type Repository interface {
	Insert(ctx context.Context, a *domain.FailedAttempt) error
	// CountSince counts attempts after both since and the last reset marker.
	CountSince(ctx context.Context, userID, websiteID string, since time.Time) (int, error)
	// MarkCleared upserts the reset marker to at.
	MarkCleared(ctx context.Context, userID, websiteID string, at time.Time) error
	// DeleteBefore removes attempts older than before and returns how many went.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
