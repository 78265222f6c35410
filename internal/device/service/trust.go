package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/device/domain"
	"acad-system/backend/internal/device/repository"
	"acad-system/backend/internal/security"
	userdomain "acad-system/backend/internal/user/domain"
)

const deviceTokenBytes = 32

// ErrDeviceNotFound is returned when revoking a device the user does not own.
var ErrDeviceNotFound = errors.New("device not found")

// TrustStore remembers devices after a completed sign-in so later sign-ins from them can skip
// the second factor.
type TrustStore struct {
	repo  repository.Repository
	audit audit.Recorder
	ttl   time.Duration
	now   func() time.Time
}

// NewTrustStore returns a store whose devices stay trusted for ttl.
func NewTrustStore(repo repository.Repository, rec audit.Recorder, ttl time.Duration) *TrustStore {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &TrustStore{repo: repo, audit: rec, ttl: ttl, now: time.Now}
}

// IsTrusted matches token against the user's live devices. An empty token, an expired device or
// a revoked one is simply not trusted.
func (s *TrustStore) IsTrusted(ctx context.Context, userID, websiteID, token string) (*domain.TrustedDevice, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false, nil
	}
	now := s.now().UTC()
	d, err := s.repo.GetActiveByTokenHash(ctx, userID, websiteID, security.HashToken(token), now)
	if err != nil {
		return nil, false, fmt.Errorf("lookup trusted device: %w", err)
	}
	if d == nil || !d.Active(now) {
		return nil, false, nil
	}
	if err := s.repo.TouchLastUsed(ctx, d.ID, now); err != nil {
		return nil, false, fmt.Errorf("touch trusted device: %w", err)
	}
	d.LastUsedAt = &now
	return d, true, nil
}

// Remember creates a trusted device and returns its token. The plaintext is returned only here.
func (s *TrustStore) Remember(ctx context.Context, u *userdomain.User, websiteID string, info domain.Info) (string, *domain.TrustedDevice, error) {
	token, err := security.NewOpaqueToken(deviceTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate device token: %w", err)
	}
	now := s.now().UTC()
	d := &domain.TrustedDevice{
		ID:         uuid.New().String(),
		UserID:     u.ID,
		WebsiteID:  websiteID,
		TokenHash:  security.HashToken(token),
		DeviceName: info.Name,
		UserAgent:  info.UserAgent,
		IP:         info.IP,
		ExpiresAt:  now.Add(s.ttl),
		CreatedAt:  now,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return "", nil, fmt.Errorf("remember device: %w", err)
	}
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventDeviceTrusted, auditdomain.SeverityInfo, map[string]any{
		"device_id":   d.ID,
		"device_name": d.DeviceName,
		"expires_at":  d.ExpiresAt,
	})
	return token, d, nil
}

// ListDevices returns the user's remembered devices on the website.
func (s *TrustStore) ListDevices(ctx context.Context, userID, websiteID string) ([]*domain.TrustedDevice, error) {
	return s.repo.ListByUser(ctx, userID, websiteID)
}

// RevokeDevice stops trusting one of the user's devices. Revoking an already revoked device is a
// no-op; an unknown device is ErrDeviceNotFound.
func (s *TrustStore) RevokeDevice(ctx context.Context, u *userdomain.User, websiteID, deviceID string) error {
	changed, err := s.repo.Revoke(ctx, u.ID, deviceID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if changed {
		s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventDeviceRevoked, auditdomain.SeverityInfo,
			map[string]any{"device_id": deviceID})
		return nil
	}
	devices, err := s.repo.ListByUser(ctx, u.ID, websiteID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	for _, d := range devices {
		if d.ID == deviceID {
			return nil
		}
	}
	return ErrDeviceNotFound
}
