package suspension

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/lifecycle"
	"acad-system/backend/internal/notification"
	userdomain "acad-system/backend/internal/user/domain"
)

// ErrInvalidSchedule is returned for a reactivation time that is not in the future.
var ErrInvalidSchedule = errors.New("scheduled reactivation must be in the future")

// Service moves accounts between active and suspended.
type Service struct {
	repo     Repository
	sessions lifecycle.SessionRevoker
	tx       lifecycle.Transactor
	notifier notification.Notifier
	audit    audit.Recorder
	now      func() time.Time
}

func NewService(repo Repository, sessions lifecycle.SessionRevoker, tx lifecycle.Transactor, notifier notification.Notifier, rec audit.Recorder) *Service {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{repo: repo, sessions: sessions, tx: tx, notifier: notifier, audit: rec, now: time.Now}
}

// GetOrCreate returns the user's suspension row, creating an active one on first use.
func (s *Service) GetOrCreate(ctx context.Context, u *userdomain.User, websiteID string) (*Suspension, error) {
	row, err := s.repo.GetOrCreate(ctx, uuid.New().String(), u.ID, websiteID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("get suspension: %w", err)
	}
	return row, nil
}

// Suspend suspends an active account and signs it out everywhere. until, when set, schedules an
// automatic reactivation. The row stays active unless every session was revoked.
func (s *Service) Suspend(ctx context.Context, u *userdomain.User, websiteID, reason string, until *time.Time) (*Suspension, error) {
	now := s.now().UTC()
	if until != nil && !until.After(now) {
		return nil, ErrInvalidSchedule
	}
	var row *Suspension
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.GetOrCreate(ctx, u, websiteID)
		if err != nil {
			return err
		}
		if current.IsSuspended {
			return lifecycle.ErrWrongState
		}
		if row, err = s.repo.Suspend(ctx, u.ID, websiteID, reason, until, now); err != nil {
			return fmt.Errorf("suspend account: %w", err)
		}
		if row == nil {
			return lifecycle.ErrWrongState
		}
		if _, err := s.sessions.RevokeAll(ctx, u.ID, "", ""); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	meta := map[string]any{"reason": reason}
	if until != nil {
		meta["scheduled_reactivation"] = until.UTC()
	}
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventAccountSuspended, auditdomain.SeverityWarning, meta)
	s.notify(ctx, u.ID, u.Email, websiteID, notification.EventAccountSuspended)
	return row, nil
}

// Reactivate lifts a suspension. It fails with ErrWrongState when the account is not suspended.
func (s *Service) Reactivate(ctx context.Context, u *userdomain.User) (*Suspension, error) {
	var row *Suspension
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if row, err = s.repo.Reactivate(ctx, u.ID, s.now().UTC()); err != nil {
			return fmt.Errorf("reactivate account: %w", err)
		}
		if row == nil {
			return lifecycle.ErrWrongState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.reactivated(ctx, audit.ActorOf(u), row, u.Email)
	return row, nil
}

// Status returns the suspension row after applying a due scheduled reactivation.
func (s *Service) Status(ctx context.Context, u *userdomain.User, websiteID string) (*Suspension, error) {
	row, err := s.GetOrCreate(ctx, u, websiteID)
	if err != nil {
		return nil, err
	}
	if !row.Due(s.now().UTC()) {
		return row, nil
	}
	lifted, err := s.repo.Reactivate(ctx, u.ID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reactivate account: %w", err)
	}
	if lifted == nil {
		// Someone else lifted it first.
		return s.GetOrCreate(ctx, u, websiteID)
	}
	s.reactivated(ctx, audit.ActorOf(u), lifted, u.Email)
	return lifted, nil
}

// IsSuspended reports whether login must be refused, after lazy reactivation.
func (s *Service) IsSuspended(ctx context.Context, u *userdomain.User, websiteID string) (bool, error) {
	row, err := s.Status(ctx, u, websiteID)
	if err != nil {
		return false, err
	}
	return row.IsSuspended, nil
}

// ReactivateDue lifts every suspension whose scheduled time has passed and returns how many.
func (s *Service) ReactivateDue(ctx context.Context) (int, error) {
	rows, err := s.repo.ReactivateDue(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reactivate due suspensions: %w", err)
	}
	for _, row := range rows {
		s.reactivated(ctx, auditdomain.Actor{UserID: row.UserID}, row, "")
	}
	return len(rows), nil
}

// reactivated reports a lifted suspension. A lazy reactivation inside a sign-in reports only once
// that sign-in commits.
func (s *Service) reactivated(ctx context.Context, actor auditdomain.Actor, row *Suspension, email string) {
	db.AfterCommit(ctx, func(ctx context.Context) {
		s.audit.Record(ctx, actor, row.WebsiteID, auditdomain.EventAccountReactivated, auditdomain.SeverityInfo,
			map[string]any{"suspension_id": row.ID})
		s.notify(ctx, row.UserID, email, row.WebsiteID, notification.EventAccountReactivated)
	})
}

func (s *Service) notify(ctx context.Context, userID, email, websiteID, event string) {
	s.notifier.Notify(ctx, notification.Message{
		UserID:    userID,
		Email:     email,
		WebsiteID: websiteID,
		EventKey:  event,
		Channels:  []notification.Channel{notification.ChannelEmail},
	})
}
