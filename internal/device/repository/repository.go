package repository

import (
	"context"
	"time"

	"acad-system/backend/internal/device/domain"
)

// Repository persists trusted devices. Lookups return (nil, nil) when no row matches.
type Repository interface {
	Create(ctx context.Context, d *domain.TrustedDevice) error
	// GetActiveByTokenHash matches a live (unexpired, unrevoked) device of the user on the website.
	GetActiveByTokenHash(ctx context.Context, userID, websiteID, tokenHash string, now time.Time) (*domain.TrustedDevice, error)
	ListByUser(ctx context.Context, userID, websiteID string) ([]*domain.TrustedDevice, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// Revoke marks the device revoked if it is not already; it reports whether the row changed.
	Revoke(ctx context.Context, userID, id string, at time.Time) (bool, error)
}
