package emailchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/lifecycle"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/platform/validation"
	"acad-system/backend/internal/security"
	userdomain "acad-system/backend/internal/user/domain"
)

var (
	ErrEmailUnchanged = errors.New("new email is the same as the current one")
	ErrEmailTaken     = errors.New("email already in use")
)

const tokenBytes = 32

// Users is the slice of the user store an email change reads and writes.
type Users interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	EmailTaken(ctx context.Context, email, exceptUserID string) (bool, error)
	ListByRoles(ctx context.Context, roles ...role.Role) ([]*userdomain.User, error)
	UpdateEmail(ctx context.Context, id, email string) error
}

// Service runs the email change workflow.
type Service struct {
	tokenTTL time.Duration
	repo     Repository
	users    Users
	tx       lifecycle.Transactor
	notifier notification.Notifier
	audit    audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

func NewService(tokenTTL time.Duration, repo Repository, users Users, tx lifecycle.Transactor, notifier notification.Notifier, rec audit.Recorder, log *zap.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{tokenTTL: tokenTTL, repo: repo, users: users, tx: tx, notifier: notifier, audit: rec, log: log,
		now: time.Now}
}

// RequestEmailChange opens a request for a client. Any other open request of the user is
// cancelled. Only admins hear about it; nothing reaches the new address until approval.
func (s *Service) RequestEmailChange(ctx context.Context, u *userdomain.User, websiteID, newEmail string, requireOldEmailConfirmation bool) (*Request, error) {
	if u == nil || !u.Role.CanRequestEmailChange() {
		return nil, lifecycle.ErrNotPermitted
	}
	newEmail = strings.TrimSpace(newEmail)
	if err := validation.Email("new_email", newEmail); err != nil {
		return nil, err
	}
	if strings.EqualFold(newEmail, u.Email) {
		return nil, ErrEmailUnchanged
	}
	taken, err := s.users.EmailTaken(ctx, newEmail, u.ID)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return nil, ErrEmailTaken
	}
	now := s.now().UTC()
	req := &Request{
		ID:                          uuid.New().String(),
		UserID:                      u.ID,
		WebsiteID:                   websiteID,
		OldEmail:                    u.Email,
		NewEmail:                    newEmail,
		Status:                      StatusPending,
		RequireOldEmailConfirmation: requireOldEmailConfirmation,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.CancelActiveByUser(ctx, u.ID, now); err != nil {
			return err
		}
		return s.repo.Create(ctx, req)
	})
	if db.IsUniqueViolation(err) {
		return nil, lifecycle.ErrWrongState
	}
	if err != nil {
		return nil, fmt.Errorf("create email change request: %w", err)
	}
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventEmailChangeRequested, auditdomain.SeverityInfo,
		map[string]any{"request_id": req.ID, "new_email": newEmail})
	s.notifyAdmins(ctx, req)
	return req, nil
}

// ApproveEmailChange decides a pending request. A non-empty rejectionReason rejects it; otherwise
// the verification token goes to the new address and, when required, a confirmation token to the
// old one.
func (s *Service) ApproveEmailChange(ctx context.Context, admin *userdomain.User, requestID, rejectionReason string) (*Request, error) {
	if admin == nil || !admin.Role.CanApproveEmailChange() {
		return nil, lifecycle.ErrNotPermitted
	}
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, lifecycle.ErrWrongState
	}
	now := s.now().UTC()
	if rejectionReason = strings.TrimSpace(rejectionReason); rejectionReason != "" {
		return s.reject(ctx, admin, req, rejectionReason, now)
	}

	verifyToken, err := security.NewOpaqueToken(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}
	expires := now.Add(s.tokenTTL)
	tokens := Tokens{VerificationHash: security.HashToken(verifyToken), VerificationExpiresAt: expires}
	var oldToken string
	if req.RequireOldEmailConfirmation {
		if oldToken, err = security.NewOpaqueToken(tokenBytes); err != nil {
			return nil, fmt.Errorf("generate old email token: %w", err)
		}
		tokens.OldEmailHash = security.HashToken(oldToken)
		tokens.OldEmailExpiresAt = &expires
	}
	approved, err := s.repo.Approve(ctx, req.ID, admin.ID, tokens, now)
	if err != nil {
		return nil, fmt.Errorf("approve email change: %w", err)
	}
	if approved == nil {
		return nil, lifecycle.ErrWrongState
	}
	s.audit.Record(ctx, audit.ActorOf(admin), req.WebsiteID, auditdomain.EventEmailChangeApproved, auditdomain.SeverityInfo,
		map[string]any{"request_id": req.ID, "user_id": req.UserID})
	s.send(ctx, approved, approved.NewEmail, notification.EventEmailChangeVerify, verifyToken)
	if oldToken != "" {
		s.send(ctx, approved, approved.OldEmail, notification.EventEmailChangeConfirmOld, oldToken)
	}
	return approved, nil
}

func (s *Service) reject(ctx context.Context, admin *userdomain.User, req *Request, reason string, now time.Time) (*Request, error) {
	rejected, err := s.repo.Reject(ctx, req.ID, admin.ID, reason, now)
	if err != nil {
		return nil, fmt.Errorf("reject email change: %w", err)
	}
	if rejected == nil {
		return nil, lifecycle.ErrWrongState
	}
	s.audit.Record(ctx, audit.ActorOf(admin), req.WebsiteID, auditdomain.EventEmailChangeRejected, auditdomain.SeverityInfo,
		map[string]any{"request_id": req.ID, "user_id": req.UserID, "reason": reason})
	s.notifier.Notify(ctx, notification.Message{
		UserID:    req.UserID,
		Email:     req.OldEmail,
		WebsiteID: req.WebsiteID,
		EventKey:  notification.EventEmailChangeRejected,
		Payload:   map[string]string{notification.PayloadText: reason},
		Channels:  []notification.Channel{notification.ChannelEmail, notification.ChannelInApp},
	})
	return rejected, nil
}

// VerifyNewEmail redeems the token sent to the new address. The request completes here unless it
// still waits for the old address.
func (s *Service) VerifyNewEmail(ctx context.Context, token string) (*Request, error) {
	if token == "" {
		return nil, lifecycle.ErrTokenInvalid
	}
	req, err := s.repo.GetByVerificationTokenHash(ctx, security.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("get email change request: %w", err)
	}
	if req == nil {
		return nil, lifecycle.ErrTokenInvalid
	}
	if req.Status != StatusAdminApproved {
		return nil, lifecycle.ErrWrongState
	}
	now := s.now().UTC()
	if req.VerificationTokenExpiresAt == nil || !now.Before(*req.VerificationTokenExpiresAt) {
		return nil, lifecycle.ErrTokenExpired
	}
	var verified *Request
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if verified, err = s.repo.MarkNewEmailVerified(ctx, req.ID, now); err != nil {
			return err
		}
		if verified == nil {
			return lifecycle.ErrWrongState
		}
		if verified.Status == StatusCompleted {
			return s.swapEmail(ctx, verified)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, auditdomain.Actor{UserID: req.UserID, Email: req.NewEmail}, req.WebsiteID,
		auditdomain.EventEmailChangeVerified, auditdomain.SeverityInfo, map[string]any{"request_id": req.ID})
	if verified.Status == StatusCompleted {
		s.completed(ctx, verified)
	}
	return verified, nil
}

// ConfirmOldEmail redeems the token sent to the old address and completes the change. It fails
// with ErrWrongState until the new address has been verified.
func (s *Service) ConfirmOldEmail(ctx context.Context, token string) (*Request, error) {
	if token == "" {
		return nil, lifecycle.ErrTokenInvalid
	}
	req, err := s.repo.GetByOldEmailTokenHash(ctx, security.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("get email change request: %w", err)
	}
	if req == nil {
		return nil, lifecycle.ErrTokenInvalid
	}
	if req.Status != StatusEmailVerified {
		return nil, lifecycle.ErrWrongState
	}
	now := s.now().UTC()
	if req.OldEmailTokenExpiresAt == nil || !now.Before(*req.OldEmailTokenExpiresAt) {
		return nil, lifecycle.ErrTokenExpired
	}
	var done *Request
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if done, err = s.repo.ConfirmOld(ctx, req.ID, now); err != nil {
			return err
		}
		if done == nil {
			return lifecycle.ErrWrongState
		}
		return s.swapEmail(ctx, done)
	})
	if err != nil {
		return nil, err
	}
	s.completed(ctx, done)
	return done, nil
}

func (s *Service) swapEmail(ctx context.Context, req *Request) error {
	err := s.users.UpdateEmail(ctx, req.UserID, req.NewEmail)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	return nil
}

func (s *Service) completed(ctx context.Context, req *Request) {
	s.audit.Record(ctx, auditdomain.Actor{UserID: req.UserID, Email: req.NewEmail}, req.WebsiteID,
		auditdomain.EventEmailChangeCompleted, auditdomain.SeverityWarning,
		map[string]any{"request_id": req.ID, "old_email": req.OldEmail, "new_email": req.NewEmail})
	s.notifier.Notify(ctx, notification.Message{
		UserID:    req.UserID,
		Email:     req.OldEmail,
		WebsiteID: req.WebsiteID,
		EventKey:  notification.EventEmailChangeCompleted,
		Payload:   map[string]string{notification.PayloadText: req.NewEmail},
		Channels:  []notification.Channel{notification.ChannelEmail},
	})
}

// CancelEmailChange withdraws the user's own request before the new address is verified.
func (s *Service) CancelEmailChange(ctx context.Context, u *userdomain.User, requestID string) (*Request, error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if u == nil || req.UserID != u.ID {
		return nil, lifecycle.ErrRequestNotFound
	}
	cancelled, err := s.repo.Cancel(ctx, req.ID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel email change: %w", err)
	}
	if cancelled == nil {
		return nil, lifecycle.ErrWrongState
	}
	s.audit.Record(ctx, audit.ActorOf(u), req.WebsiteID, auditdomain.EventEmailChangeCancelled, auditdomain.SeverityInfo,
		map[string]any{"request_id": req.ID})
	return cancelled, nil
}

// GetRequest returns a request to its owner or to an approver.
func (s *Service) GetRequest(ctx context.Context, actor *userdomain.User, requestID string) (*Request, error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor == nil || (req.UserID != actor.ID && !actor.Role.CanApproveEmailChange()) {
		return nil, lifecycle.ErrRequestNotFound
	}
	return req, nil
}

// ListRequests pages through requests for an approver.
func (s *Service) ListRequests(ctx context.Context, admin *userdomain.User, status Status, limit, offset int) ([]*Request, error) {
	if admin == nil || !admin.Role.CanApproveEmailChange() {
		return nil, lifecycle.ErrNotPermitted
	}
	return s.repo.List(ctx, status, limit, offset)
}

func (s *Service) get(ctx context.Context, id string) (*Request, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get email change request: %w", err)
	}
	if req == nil {
		return nil, lifecycle.ErrRequestNotFound
	}
	return req, nil
}

func (s *Service) send(ctx context.Context, req *Request, to, event, token string) {
	s.notifier.Notify(ctx, notification.Message{
		UserID:    req.UserID,
		Email:     to,
		WebsiteID: req.WebsiteID,
		EventKey:  event,
		Payload:   map[string]string{notification.PayloadToken: token},
		Channels:  []notification.Channel{notification.ChannelEmail},
	})
}

func (s *Service) notifyAdmins(ctx context.Context, req *Request) {
	admins, err := s.users.ListByRoles(ctx, role.Superadmin, role.Admin)
	if err != nil {
		s.log.Warn("emailchange: list admins", zap.Error(err))
		return
	}
	for _, a := range admins {
		s.notifier.Notify(ctx, notification.Message{
			UserID:    a.ID,
			Email:     a.Email,
			WebsiteID: req.WebsiteID,
			EventKey:  notification.EventEmailChangeRequested,
			Payload:   map[string]string{notification.PayloadText: req.OldEmail + " -> " + req.NewEmail},
			Channels:  []notification.Channel{notification.ChannelEmail, notification.ChannelInApp},
		})
	}
}
