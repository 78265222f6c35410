package repository

import (
	"context"

	"acad-system/backend/internal/policy/domain"
)

// Repository persists session limit policies, one row per (user, website).
type Repository interface {
	// GetOrCreate returns the stored policy, inserting defaults (with the key fields taken from
	// defaults) when none exists. Concurrent callers all get the single row.
	GetOrCreate(ctx context.Context, defaults *domain.SessionLimitPolicy) (*domain.SessionLimitPolicy, error)
	// Update overwrites the limits of an existing row and returns it; nil when there is none.
	Update(ctx context.Context, p *domain.SessionLimitPolicy) (*domain.SessionLimitPolicy, error)
}
