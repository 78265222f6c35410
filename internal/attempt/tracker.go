// Package attempt records failed sign-in attempts and counts the recent ones for the lockout
// engine.
package attempt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"acad-system/backend/internal/attempt/domain"
	"acad-system/backend/internal/attempt/repository"
)

// FailureCounter keeps the denormalised users.failed_login_count in step with the log.
type FailureCounter interface {
	IncrementFailedLogins(ctx context.Context, id string) (int, error)
	ResetFailedLogins(ctx context.Context, id string) error
}

// Tracker is the failed-attempt log.
type Tracker struct {
	repo  repository.Repository
	users FailureCounter
	now   func() time.Time
}

func NewTracker(repo repository.Repository, users FailureCounter) *Tracker {
	return &Tracker{repo: repo, users: users, now: time.Now}
}

// Log appends an attempt and bumps the user's failure counter.
func (t *Tracker) Log(ctx context.Context, userID, websiteID, ip, userAgent string) error {
	a := &domain.FailedAttempt{
		ID:          uuid.New().String(),
		UserID:      userID,
		WebsiteID:   websiteID,
		IP:          ip,
		UserAgent:   userAgent,
		AttemptedAt: t.now().UTC(),
	}
	if err := t.repo.Insert(ctx, a); err != nil {
		return fmt.Errorf("log failed attempt: %w", err)
	}
	if _, err := t.users.IncrementFailedLogins(ctx, userID); err != nil {
		return fmt.Errorf("log failed attempt: %w", err)
	}
	return nil
}

// CountRecent counts attempts within window that happened after the last Clear.
func (t *Tracker) CountRecent(ctx context.Context, userID, websiteID string, window time.Duration) (int, error) {
	n, err := t.repo.CountSince(ctx, userID, websiteID, t.now().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return n, nil
}

// Clear starts a fresh count. Historic rows are kept for reporting.
func (t *Tracker) Clear(ctx context.Context, userID, websiteID string) error {
	if err := t.repo.MarkCleared(ctx, userID, websiteID, t.now().UTC()); err != nil {
		return fmt.Errorf("clear failed attempts: %w", err)
	}
	if err := t.users.ResetFailedLogins(ctx, userID); err != nil {
		return fmt.Errorf("clear failed attempts: %w", err)
	}
	return nil
}

// Prune deletes attempts older than olderThan.
func (t *Tracker) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return t.repo.DeleteBefore(ctx, t.now().UTC().Add(-olderThan))
}
