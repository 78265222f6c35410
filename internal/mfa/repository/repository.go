package repository

import (
	"context"
	"time"

	"acad-system/backend/internal/mfa/domain"
)

// ChallengeRepository persists MFA challenges. GetByID returns (nil, nil) when no row matches.
type ChallengeRepository interface {
	Create(ctx context.Context, c *domain.Challenge) error
	GetByID(ctx context.Context, id string) (*domain.Challenge, error)
	// Claim consumes an open challenge in one guarded update. It returns (nil, nil) when the
	// challenge is already consumed, expired or unknown.
	Claim(ctx context.Context, id string, now time.Time) (*domain.Challenge, error)
	// LatestOpen returns the newest unconsumed, unexpired challenge of the user for purpose.
	LatestOpen(ctx context.Context, userID string, purpose domain.Purpose, now time.Time) (*domain.Challenge, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// BackupCodeRepository persists backup code hashes.
type BackupCodeRepository interface {
	// ReplaceAll drops every code of the user and stores hashes in their place.
	ReplaceAll(ctx context.Context, userID string, hashes []string, at time.Time) error
	// Consume marks one unused code as used. It reports false when no unused code matched.
	Consume(ctx context.Context, userID, codeHash string, at time.Time) (bool, error)
	CountUnused(ctx context.Context, userID string) (int, error)
}
