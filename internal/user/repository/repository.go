package repository

import (
	"context"
	"time"

	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/user/domain"
)

// Repository defines persistence for users. Lookups return (nil, nil) when no row matches.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByIDForUpdate locks the row for the surrounding transaction; concurrent logins for the
	// same user serialise on it.
	GetByIDForUpdate(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	EmailTaken(ctx context.Context, email, exceptUserID string) (bool, error)
	ListByRoles(ctx context.Context, roles ...role.Role) ([]*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	// UpdateEmail swaps the address and resets email_verified.
	UpdateEmail(ctx context.Context, id, email string) error
	SetActive(ctx context.Context, id string, active bool) error
	SetFrozen(ctx context.Context, id string, frozen bool, at time.Time) error
	SetMFA(ctx context.Context, id string, method domain.MFAMethod, sealedSecret []byte, phone string) error
	IncrementFailedLogins(ctx context.Context, id string) (int, error)
	ResetFailedLogins(ctx context.Context, id string) error
	// SetLock locks the account until the given time and records the escalation level.
	SetLock(ctx context.Context, id string, until time.Time, lockoutCount int) error
	// ClearLock lifts the lock but keeps the escalation level.
	ClearLock(ctx context.Context, id string) error
	// ResetLockout zeroes the failed counter and escalation level and lifts any lock.
	ResetLockout(ctx context.Context, id string) error
}
