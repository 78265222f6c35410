package repository

import (
	"context"

	"acad-system/backend/internal/audit/domain"
)

// Repository persists security events. Events are append-only.
type Repository interface {
	Create(ctx context.Context, e *domain.SecurityEvent) error
	// ListByUser returns the newest events first. An empty websiteID matches every website.
	ListByUser(ctx context.Context, userID, websiteID string, limit, offset int) ([]*domain.SecurityEvent, error)
}
