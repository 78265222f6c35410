// Package service issues, refreshes and revokes login sessions and enforces per-user concurrent
// session limits.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/session/domain"
	"acad-system/backend/internal/session/repository"
	userdomain "acad-system/backend/internal/user/domain"
)

var (
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token reuse detected; all sessions revoked")
	ErrSessionNotFound     = errors.New("session not found")
)

// Tokens issues and validates the JWT pair bound to a session.
type Tokens interface {
	IssuePair(sub security.Subject) (security.TokenPair, error)
	ValidateRefresh(token string) (security.Subject, string, error)
	AccessTTL() time.Duration
}

// Revocations is the fast revocation list consulted by the access-token gate.
type Revocations interface {
	Revoke(ctx context.Context, sessionIDs ...string) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Users looks up the session owner on refresh.
type Users interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Service owns the session lifecycle.
type Service struct {
	repo     repository.Repository
	tokens   Tokens
	revoked  Revocations
	users    Users
	notifier notification.Notifier
	audit    audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// NewService returns a session service. revoked may be nil when Redis is not configured; the
// session row is then the only revocation record.
func NewService(repo repository.Repository, tokens Tokens, revoked Revocations, users Users, rec audit.Recorder, log *zap.Logger) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, tokens: tokens, revoked: revoked, users: users, notifier: notification.Nop{},
		audit: rec, log: log, now: time.Now}
}

// WithNotifier sets the notifier used for refresh-reuse alerts.
func (s *Service) WithNotifier(n notification.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// StartSession always inserts a new session row and returns it with a token pair bound to it.
func (s *Service) StartSession(ctx context.Context, u *userdomain.User, websiteID, ip, userAgent string, dev domain.DeviceInfo) (*domain.Session, security.TokenPair, error) {
	id := uuid.New().String()
	pair, err := s.tokens.IssuePair(security.Subject{SessionID: id, UserID: u.ID, WebsiteID: websiteID, Role: string(u.Role)})
	if err != nil {
		return nil, security.TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	sess := &domain.Session{
		ID:               id,
		UserID:           u.ID,
		WebsiteID:        websiteID,
		IP:               ip,
		UserAgent:        userAgent,
		DeviceName:       dev.Name,
		TrustedDevice:    dev.Trusted,
		RefreshJTI:       pair.RefreshJTI,
		RefreshTokenHash: security.HashToken(pair.RefreshToken),
		LoggedInAt:       s.now().UTC(),
		ExpiresAt:        pair.RefreshExpiresAt,
		IsActive:         true,
	}
	if dev.DeviceID != "" {
		deviceID := dev.DeviceID
		sess.DeviceID = &deviceID
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, security.TokenPair{}, fmt.Errorf("create session: %w", err)
	}
	return sess, pair, nil
}

// GetSession returns the session or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions returns the user's sessions on the website, newest first.
func (s *Service) ListSessions(ctx context.Context, userID, websiteID string, activeOnly bool) ([]*domain.Session, error) {
	return s.repo.ListByUser(ctx, userID, websiteID, activeOnly, s.now().UTC())
}

// Revoke ends one session. It reports false with no error when the session was already revoked;
// only the first revoke records an event.
func (s *Service) Revoke(ctx context.Context, sessionID string) (bool, error) {
	now := s.now().UTC()
	sess, err := s.repo.Revoke(ctx, sessionID, now)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	if sess == nil {
		existing, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return false, err
		}
		// Re-add a recent revocation in case the first blacklist write was lost.
		if existing.RevokedAt != nil && now.Sub(*existing.RevokedAt) < s.tokens.AccessTTL() {
			if err := s.blacklist(ctx, sessionID); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if err := s.blacklist(ctx, sessionID); err != nil {
		return true, err
	}
	db.AfterCommit(ctx, func(ctx context.Context) {
		s.audit.Record(ctx, auditdomain.Actor{UserID: sess.UserID}, sess.WebsiteID, auditdomain.EventSessionRevoked,
			auditdomain.SeverityInfo, map[string]any{"session_id": sessionID})
	})
	return true, nil
}

// RevokeOwned revokes a session on behalf of actor, who must own it or be allowed to manage
// accounts. Sessions of other users are reported as not found.
func (s *Service) RevokeOwned(ctx context.Context, actor *userdomain.User, sessionID string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.UserID != actor.ID && !actor.Role.CanManageAccounts() {
		return false, ErrSessionNotFound
	}
	return s.Revoke(ctx, sessionID)
}

// RevokeAll revokes every live session of the user on the website except excludeSessionID and
// returns the ids it revoked. An empty websiteID spans every website.
func (s *Service) RevokeAll(ctx context.Context, userID, websiteID, excludeSessionID string) ([]string, error) {
	ids, err := s.repo.RevokeAll(ctx, userID, websiteID, excludeSessionID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if err := s.blacklist(ctx, ids...); err != nil {
		return ids, err
	}
	db.AfterCommit(ctx, func(ctx context.Context) {
		s.audit.Record(ctx, auditdomain.Actor{UserID: userID}, websiteID, auditdomain.EventSessionsRevokedAll,
			auditdomain.SeverityInfo, map[string]any{"count": len(ids), "kept_session_id": excludeSessionID})
	})
	return ids, nil
}

// blacklist adds ids to the revocation list. Inside a transaction the write waits for the commit,
// so a rolled-back revoke never ends a live session; a failed write then only gets logged.
func (s *Service) blacklist(ctx context.Context, ids ...string) error {
	if s.revoked == nil {
		return nil
	}
	if db.InTx(ctx) {
		db.AfterCommit(ctx, func(ctx context.Context) {
			if err := s.revoked.Revoke(ctx, ids...); err != nil {
				s.log.Error("session: blacklist after commit", zap.Strings("session_ids", ids), zap.Error(err))
			}
		})
		return nil
	}
	if err := s.revoked.Revoke(ctx, ids...); err != nil {
		return fmt.Errorf("blacklist sessions: %w", err)
	}
	return nil
}

// Refresh rotates the refresh token of a live session and returns a new pair. The session row is
// kept; only its refresh binding and expiry move. Presenting a refresh token that was already
// rotated away revokes every session of the user.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (security.TokenPair, error) {
	var none security.TokenPair
	if refreshToken == "" {
		return none, ErrInvalidRefreshToken
	}
	sub, jti, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return none, ErrInvalidRefreshToken
	}
	sess, err := s.repo.GetByID(ctx, sub.SessionID)
	if err != nil {
		return none, fmt.Errorf("get session: %w", err)
	}
	now := s.now().UTC()
	if sess == nil || !sess.Active(now) || sess.UserID != sub.UserID {
		return none, ErrInvalidRefreshToken
	}
	if revoked, err := s.IsRevoked(ctx, sess.ID); err != nil || revoked {
		return none, ErrInvalidRefreshToken
	}
	if sess.RefreshJTI != jti {
		s.handleReuse(ctx, sess)
		return none, ErrRefreshTokenReuse
	}
	if !security.TokenHashEqual(refreshToken, sess.RefreshTokenHash) {
		return none, ErrInvalidRefreshToken
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return none, fmt.Errorf("get user: %w", err)
	}
	if u == nil || !u.CanLogin() {
		return none, ErrInvalidRefreshToken
	}
	pair, err := s.tokens.IssuePair(security.Subject{SessionID: sess.ID, UserID: u.ID, WebsiteID: sess.WebsiteID, Role: string(u.Role)})
	if err != nil {
		return none, fmt.Errorf("issue tokens: %w", err)
	}
	ok, err := s.repo.RotateRefresh(ctx, sess.ID, jti, pair.RefreshJTI, security.HashToken(pair.RefreshToken), pair.RefreshExpiresAt, now)
	if err != nil {
		return none, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !ok {
		return none, ErrInvalidRefreshToken
	}
	return pair, nil
}

func (s *Service) handleReuse(ctx context.Context, sess *domain.Session) {
	ids, err := s.RevokeAll(ctx, sess.UserID, "", "")
	if err != nil {
		s.log.Error("session: revoke after refresh reuse", zap.String("user_id", sess.UserID), zap.Error(err))
	}
	s.audit.Record(ctx, auditdomain.Actor{UserID: sess.UserID}, sess.WebsiteID, auditdomain.EventRefreshTokenReuse,
		auditdomain.SeverityCritical, map[string]any{"session_id": sess.ID, "revoked": len(ids)})
	s.notifier.Notify(ctx, notification.Message{
		UserID:    sess.UserID,
		WebsiteID: sess.WebsiteID,
		EventKey:  notification.EventRefreshTokenReuse,
		Channels:  []notification.Channel{notification.ChannelEmail},
	})
}

// IsRevoked answers the access-token gate. With a revocation list it trusts the list and fails
// closed on its errors; without one it reads the session row.
func (s *Service) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if s.revoked != nil {
		return s.revoked.IsRevoked(ctx, sessionID)
	}
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return true, fmt.Errorf("get session: %w", err)
	}
	return sess == nil || !sess.Active(s.now().UTC()), nil
}
