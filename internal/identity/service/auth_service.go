package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/platform/validation"
	"acad-system/backend/internal/security"
	userdomain "acad-system/backend/internal/user/domain"
)

// Sentinel errors for the auth service; the handler maps them to gRPC codes.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrAccountDisabled        = errors.New("account is disabled")
	ErrAccountSuspended       = errors.New("account is suspended")
	ErrRoleNotAllowed         = errors.New("role cannot self-register")
)

// UserRepo is the user store the auth service needs.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByIDForUpdate(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// Transactor runs fn in one database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RegisterRequest is a self-registration.
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,strongpassword"`
	Role      string `json:"role" validate:"required"`
	WebsiteID string `json:"website_id" validate:"required"`
}

// NormalizeEmail is the canonical form used as the login key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an active account for a self-registering role.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*userdomain.User, error) {
	req.Email = NormalizeEmail(req.Email)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	r, err := role.Parse(req.Role)
	if err != nil {
		return nil, validation.Field("role", err.Error())
	}
	if !r.CanSelfRegister() {
		return nil, ErrRoleNotAllowed
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	u := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: hash,
		Role:         r,
		IsActive:     true,
		MFAMethod:    userdomain.MFANone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrEmailAlreadyRegistered
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.audit.Record(ctx, audit.ActorOf(u), req.WebsiteID, auditdomain.EventRegistered, auditdomain.SeverityInfo,
		map[string]any{"role": string(r)})
	s.notifier.Notify(ctx, notification.Message{
		UserID:    u.ID,
		Email:     u.Email,
		WebsiteID: req.WebsiteID,
		EventKey:  notification.EventWelcome,
		Channels:  []notification.Channel{notification.ChannelEmail},
	})
	return u, nil
}

// VerifyCredentials checks an email and password. An unknown email costs one bcrypt comparison
// like a wrong password does. On a wrong password the matched user is returned together with
// ErrInvalidCredentials so the caller can count the failure against it.
func (s *AuthService) VerifyCredentials(ctx context.Context, email, password string) (*userdomain.User, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		s.hasher.CompareDummy(password)
		return nil, ErrInvalidCredentials
	}
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		s.hasher.CompareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if !s.passwordMatches(u, password) {
		return u, ErrInvalidCredentials
	}
	return u, nil
}

func (s *AuthService) passwordMatches(u *userdomain.User, password string) bool {
	if u.PasswordHash == "" {
		s.hasher.CompareDummy(password)
		return false
	}
	if err := s.hasher.Compare(u.PasswordHash, password); err != nil {
		if !errors.Is(err, security.ErrPasswordMismatch) {
			s.log.Warn("auth: malformed password hash", zap.String("user_id", u.ID), zap.Error(err))
		}
		return false
	}
	return true
}

// ChangePassword replaces the password after checking the current one and signs the user out
// everywhere except currentSessionID. A wrong current password counts as a failed attempt, and the
// new hash and the revocations commit together.
func (s *AuthService) ChangePassword(ctx context.Context, u *userdomain.User, websiteID, currentSessionID, current, next string) error {
	if problem := validation.PasswordProblem(next); problem != "" {
		return validation.Field("new_password", problem)
	}
	var denied error
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.users.GetByIDForUpdate(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if locked == nil {
			return ErrInvalidCredentials
		}
		if err := s.gate(ctx, locked, websiteID, false); err != nil {
			return err
		}
		if !s.passwordMatches(locked, current) {
			denied, err = s.failed(ctx, locked, client{websiteID: websiteID}, auditdomain.EventPasswordChangeFailed, ErrInvalidCredentials)
			return err
		}
		hash, err := s.hasher.Hash(next)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		if err := s.users.UpdatePassword(ctx, locked.ID, hash); err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		revoked, err := s.sessions.RevokeAll(ctx, locked.ID, "", currentSessionID)
		if err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		u.PasswordHash = hash
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventPasswordChanged, auditdomain.SeverityWarning,
				map[string]any{"sessions_revoked": len(revoked)})
			s.notifier.Notify(ctx, notification.Message{
				UserID:    u.ID,
				Email:     u.Email,
				WebsiteID: websiteID,
				EventKey:  notification.EventPasswordChanged,
				Channels:  []notification.Channel{notification.ChannelEmail},
			})
		})
		return nil
	})
	if err != nil {
		return err
	}
	return denied
}
