package magiclink

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
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/security"
	userdomain "acad-system/backend/internal/user/domain"
)

const tokenBytes = 32

var (
	ErrInvalidLink    = errors.New("invalid or expired magic link")
	ErrInvalidPurpose = errors.New("invalid magic link purpose")
)

// Users resolves the address a link is requested for.
type Users interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
}

// Service sends and redeems magic links.
type Service struct {
	repo     Repository
	users    Users
	notifier notification.Notifier
	audit    audit.Recorder
	log      *zap.Logger
	ttl      time.Duration
	now      func() time.Time
}

func NewService(repo Repository, users Users, notifier notification.Notifier, rec audit.Recorder, log *zap.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
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
	return &Service{repo: repo, users: users, notifier: notifier, audit: rec, log: log, ttl: ttl, now: time.Now}
}

// Send emails a link to the account with this address. The response is the same whether or not
// the address belongs to an account; an unknown or disabled one gets no link.
func (s *Service) Send(ctx context.Context, email, websiteID string, purpose Purpose, ip, userAgent string) (time.Duration, time.Time, error) {
	if purpose == "" {
		purpose = PurposeLogin
	}
	if !purpose.Valid() {
		return 0, time.Time{}, ErrInvalidPurpose
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	u, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil || !u.CanLogin() {
		s.log.Debug("magiclink: no eligible account", zap.String("website_id", websiteID))
		return s.ttl, expiresAt, nil
	}
	token, err := security.NewOpaqueToken(tokenBytes)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("generate magic link token: %w", err)
	}
	link := &Link{
		ID:        uuid.New().String(),
		UserID:    u.ID,
		WebsiteID: websiteID,
		TokenHash: security.HashToken(token),
		Purpose:   purpose,
		ExpiresAt: expiresAt,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, link); err != nil {
		return 0, time.Time{}, fmt.Errorf("create magic link: %w", err)
	}
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventMagicLinkSent, auditdomain.SeverityInfo,
		map[string]any{"purpose": string(purpose), "ip": ip})
	s.notifier.Notify(ctx, notification.Message{
		UserID:    u.ID,
		Email:     u.Email,
		WebsiteID: websiteID,
		EventKey:  notification.EventMagicLink,
		Payload:   map[string]string{notification.PayloadToken: token, notification.PayloadText: string(purpose)},
		Channels:  []notification.Channel{notification.ChannelEmail},
	})
	return s.ttl, expiresAt, nil
}

// Claim redeems token once. Unknown, used and expired tokens all return ErrInvalidLink.
func (s *Service) Claim(ctx context.Context, token string) (*Link, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidLink
	}
	l, err := s.repo.Claim(ctx, security.HashToken(token), s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim magic link: %w", err)
	}
	if l == nil {
		return nil, ErrInvalidLink
	}
	return l, nil
}

// Prune deletes links that expired before the cutoff.
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.DeleteBefore(ctx, before)
}
