package deletion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/lifecycle"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/security"
	userdomain "acad-system/backend/internal/user/domain"
)

const undoTokenBytes = 32

// Users changes the account flags a deletion moves through.
type Users interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	SetActive(ctx context.Context, id string, active bool) error
	SetFrozen(ctx context.Context, id string, frozen bool, at time.Time) error
}

// Config holds the deletion windows.
type Config struct {
	// UndoTTL is how long the emailed undo token works.
	UndoTTL time.Duration
	// ConfirmDelay is the gap between confirmation and the scheduled deletion.
	ConfirmDelay time.Duration
	// Retention is how long an approved account is kept frozen before it may be purged.
	Retention time.Duration
}

// Service runs the deletion workflow.
type Service struct {
	cfg      Config
	repo     Repository
	users    Users
	sessions lifecycle.SessionRevoker
	tx       lifecycle.Transactor
	notifier notification.Notifier
	audit    audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

func NewService(cfg Config, repo Repository, users Users, sessions lifecycle.SessionRevoker, tx lifecycle.Transactor, notifier notification.Notifier, rec audit.Recorder, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{cfg: cfg, repo: repo, users: users, sessions: sessions, tx: tx, notifier: notifier, audit: rec,
		log: log, now: time.Now}
}

// RequestDeletion opens a pending request, deactivates the account and signs it out. When a
// pending request already exists it is returned with created false and nothing changes. The undo
// token is only ever sent by email.
func (s *Service) RequestDeletion(ctx context.Context, u *userdomain.User, websiteID, reason string) (*Request, bool, error) {
	token, err := security.NewOpaqueToken(undoTokenBytes)
	if err != nil {
		return nil, false, fmt.Errorf("generate undo token: %w", err)
	}
	now := s.now().UTC()
	req := &Request{
		ID:                 uuid.New().String(),
		UserID:             u.ID,
		WebsiteID:          websiteID,
		Reason:             reason,
		Status:             StatusPending,
		RequestedAt:        now,
		UndoTokenHash:      security.HashToken(token),
		UndoTokenExpiresAt: now.Add(s.cfg.UndoTTL),
		UpdatedAt:          now,
	}
	var existing *Request
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if existing, err = s.repo.GetPendingByUser(ctx, u.ID); err != nil || existing != nil {
			return err
		}
		if err := s.repo.Create(ctx, req); err != nil {
			return err
		}
		if err := s.users.SetActive(ctx, u.ID, false); err != nil {
			return fmt.Errorf("deactivate account: %w", err)
		}
		if _, err := s.sessions.RevokeAll(ctx, u.ID, "", ""); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		return nil
	})
	if db.IsUniqueViolation(err) {
		// A concurrent request won; hand back the winner.
		if existing, err = s.repo.GetPendingByUser(ctx, u.ID); err == nil && existing == nil {
			err = lifecycle.ErrWrongState
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("request deletion: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	u.IsActive = false
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventDeletionRequested, auditdomain.SeverityWarning,
		map[string]any{"request_id": req.ID, "undo_expires_at": req.UndoTokenExpiresAt})
	s.notifier.Notify(ctx, notification.Message{
		UserID:    u.ID,
		Email:     u.Email,
		WebsiteID: websiteID,
		EventKey:  notification.EventDeletionRequested,
		Payload:   map[string]string{notification.PayloadToken: token},
		Channels:  []notification.Channel{notification.ChannelEmail},
	})
	return req, true, nil
}

// CancelDeletionByToken undoes a pending request with the emailed token and reactivates the
// account. Once the token has expired it only ever reports ErrTokenExpired.
func (s *Service) CancelDeletionByToken(ctx context.Context, token string) (*Request, error) {
	if token == "" {
		return nil, lifecycle.ErrRequestNotFound
	}
	req, err := s.repo.GetByUndoTokenHash(ctx, security.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("get deletion request: %w", err)
	}
	if req == nil {
		return nil, lifecycle.ErrRequestNotFound
	}
	// An expired token says nothing about where the request went since.
	now := s.now().UTC()
	if !now.Before(req.UndoTokenExpiresAt) {
		return nil, lifecycle.ErrTokenExpired
	}
	if req.Status != StatusPending {
		return nil, lifecycle.ErrWrongState
	}
	var cancelled *Request
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if cancelled, err = s.repo.Cancel(ctx, req.ID, now); err != nil {
			return err
		}
		if cancelled == nil {
			return lifecycle.ErrWrongState
		}
		return s.users.SetActive(ctx, req.UserID, true)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, auditdomain.Actor{UserID: req.UserID}, req.WebsiteID, auditdomain.EventDeletionCancelled,
		auditdomain.SeverityInfo, map[string]any{"request_id": req.ID})
	return cancelled, nil
}

func requireDeletionAdmin(actor *userdomain.User) error {
	if actor == nil || !actor.Role.CanManageDeletion() {
		return lifecycle.ErrNotPermitted
	}
	return nil
}

// ConfirmDeletion confirms a pending request and freezes the account. actor is nil when the undo
// window timer confirms; otherwise it must be a deletion admin.
func (s *Service) ConfirmDeletion(ctx context.Context, actor *userdomain.User, requestID string, delay time.Duration) (*Request, error) {
	var processedBy *string
	if actor != nil {
		if err := requireDeletionAdmin(actor); err != nil {
			return nil, err
		}
		processedBy = &actor.ID
	}
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, lifecycle.ErrWrongState
	}
	now := s.now().UTC()
	var confirmed *Request
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if confirmed, err = s.repo.Confirm(ctx, req.ID, now.Add(delay), processedBy, now); err != nil {
			return err
		}
		if confirmed == nil {
			return lifecycle.ErrWrongState
		}
		return s.freeze(ctx, req.UserID, true, now)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActorOf(actor), req.WebsiteID, auditdomain.EventDeletionConfirmed, auditdomain.SeverityWarning,
		map[string]any{"request_id": req.ID, "user_id": req.UserID, "scheduled_deletion_at": confirmed.ScheduledDeletionAt})
	s.notifyOwner(ctx, confirmed, notification.EventDeletionConfirmed, "")
	return confirmed, nil
}

// ApproveDeletion approves a pending or confirmed request. The account stays frozen until the
// retention period ends.
func (s *Service) ApproveDeletion(ctx context.Context, admin *userdomain.User, requestID, response string) (*Request, error) {
	return s.decide(ctx, admin, requestID, StatusApproved, response)
}

// RejectDeletion rejects a pending or confirmed request and restores the account.
func (s *Service) RejectDeletion(ctx context.Context, admin *userdomain.User, requestID, response string) (*Request, error) {
	return s.decide(ctx, admin, requestID, StatusRejected, response)
}

func (s *Service) decide(ctx context.Context, admin *userdomain.User, requestID string, to Status, response string) (*Request, error) {
	if err := requireDeletionAdmin(admin); err != nil {
		return nil, err
	}
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending && req.Status != StatusConfirmed {
		return nil, lifecycle.ErrWrongState
	}
	now := s.now().UTC()
	var purgeAfter *time.Time
	if to == StatusApproved {
		p := now.Add(s.cfg.Retention)
		purgeAfter = &p
	}
	var decided *Request
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if decided, err = s.repo.Decide(ctx, req.ID, to, response, admin.ID, purgeAfter, now); err != nil {
			return err
		}
		if decided == nil {
			return lifecycle.ErrWrongState
		}
		return s.freeze(ctx, req.UserID, to == StatusApproved, now)
	})
	if err != nil {
		return nil, err
	}
	event, key := auditdomain.EventDeletionApproved, notification.EventDeletionApproved
	if to == StatusRejected {
		event, key = auditdomain.EventDeletionRejected, notification.EventDeletionRejected
	}
	s.audit.Record(ctx, audit.ActorOf(admin), req.WebsiteID, event, auditdomain.SeverityWarning,
		map[string]any{"request_id": req.ID, "user_id": req.UserID, "response": response})
	s.notifyOwner(ctx, decided, key, response)
	return decided, nil
}

// freeze soft-deletes (frozen and inactive) or restores the account.
func (s *Service) freeze(ctx context.Context, userID string, frozen bool, at time.Time) error {
	if err := s.users.SetFrozen(ctx, userID, frozen, at); err != nil {
		return fmt.Errorf("set frozen: %w", err)
	}
	if err := s.users.SetActive(ctx, userID, !frozen); err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return nil
}

// ConfirmExpired confirms every pending request whose undo window has closed and returns how many
// it confirmed.
func (s *Service) ConfirmExpired(ctx context.Context) (int, error) {
	due, err := s.repo.ListExpiredPending(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired deletion requests: %w", err)
	}
	n := 0
	for _, req := range due {
		if _, err := s.ConfirmDeletion(ctx, nil, req.ID, s.cfg.ConfirmDelay); err != nil {
			s.log.Warn("deletion: confirm expired request", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// GetRequest returns a request for a deletion admin.
func (s *Service) GetRequest(ctx context.Context, admin *userdomain.User, requestID string) (*Request, error) {
	if err := requireDeletionAdmin(admin); err != nil {
		return nil, err
	}
	return s.get(ctx, requestID)
}

// ListRequests pages through requests for a deletion admin.
func (s *Service) ListRequests(ctx context.Context, admin *userdomain.User, status Status, limit, offset int) ([]*Request, error) {
	if err := requireDeletionAdmin(admin); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, status, limit, offset)
}

func (s *Service) get(ctx context.Context, id string) (*Request, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get deletion request: %w", err)
	}
	if req == nil {
		return nil, lifecycle.ErrRequestNotFound
	}
	return req, nil
}

func (s *Service) notifyOwner(ctx context.Context, req *Request, event, response string) {
	m := notification.Message{
		UserID:    req.UserID,
		WebsiteID: req.WebsiteID,
		EventKey:  event,
		Channels:  []notification.Channel{notification.ChannelEmail},
	}
	if u, err := s.users.GetByID(ctx, req.UserID); err == nil && u != nil {
		m.Email = u.Email
	}
	if response != "" {
		m.Payload = map[string]string{notification.PayloadText: response}
	}
	s.notifier.Notify(ctx, m)
}
