// Package service verifies second factors and manages a user's MFA enrollment.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/mfa"
	"acad-system/backend/internal/mfa/domain"
	"acad-system/backend/internal/mfa/repository"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/security"
	userdomain "acad-system/backend/internal/user/domain"
)

var (
	ErrInvalidCode       = errors.New("invalid verification code")
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	ErrChallengeExpired  = errors.New("mfa challenge expired or already used")
	ErrMFANotEnabled     = errors.New("mfa is not enabled")
	ErrUnsupportedMethod = errors.New("unsupported mfa method")
	ErrPhoneRequired     = errors.New("a phone number is required for sms codes")
)

// Users stores the enrolled method on the user row.
type Users interface {
	SetMFA(ctx context.Context, id string, method userdomain.MFAMethod, sealedSecret []byte, phone string) error
}

// Transactor runs fn in a transaction, joining one already carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config holds challenge lifetimes and the issuer shown in authenticator apps.
type Config struct {
	OTPTTL time.Duration
	Issuer string
}

// ClientInfo is the device context captured on a login challenge.
type ClientInfo struct {
	IP             string
	UserAgent      string
	DeviceName     string
	RememberDevice bool
}

// Enrollment is returned by BeginEnrollment. Secret and URI are set only for TOTP.
type Enrollment struct {
	ChallengeID string
	Method      userdomain.MFAMethod
	Secret      string
	URI         string
	ExpiresAt   time.Time
}

// Service issues and verifies challenges and owns enrollment.
type Service struct {
	cfg        Config
	challenges repository.ChallengeRepository
	codes      repository.BackupCodeRepository
	users      Users
	tx         Transactor
	box        *security.SecretBox
	notifier   notification.Notifier
	audit      audit.Recorder
	now        func() time.Time
}

// NewService returns an MFA service. A zero OTPTTL defaults to five minutes.
func NewService(cfg Config, challenges repository.ChallengeRepository, codes repository.BackupCodeRepository, users Users, tx Transactor, box *security.SecretBox, notifier notification.Notifier, rec audit.Recorder) *Service {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 5 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "Account Security"
	}
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{cfg: cfg, challenges: challenges, codes: codes, users: users, tx: tx, box: box,
		notifier: notifier, audit: rec, now: time.Now}
}

// GetChallenge returns the challenge or ErrChallengeNotFound.
func (s *Service) GetChallenge(ctx context.Context, id string) (*domain.Challenge, error) {
	c, err := s.challenges.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get mfa challenge: %w", err)
	}
	if c == nil {
		return nil, ErrChallengeNotFound
	}
	return c, nil
}

// CreateLoginChallenge opens a login challenge for the user's enrolled method and sends the code
// for emailed and texted methods.
func (s *Service) CreateLoginChallenge(ctx context.Context, u *userdomain.User, websiteID string, info ClientInfo) (*domain.Challenge, error) {
	if !u.MFAEnabled() {
		return nil, ErrMFANotEnabled
	}
	return s.newChallenge(ctx, u, websiteID, domain.PurposeLogin, u.MFAMethod, u.Phone, info, nil)
}

func (s *Service) newChallenge(ctx context.Context, u *userdomain.User, websiteID string, purpose domain.Purpose, method userdomain.MFAMethod, phone string, info ClientInfo, pendingSecret []byte) (*domain.Challenge, error) {
	now := s.now().UTC()
	c := &domain.Challenge{
		ID:             uuid.New().String(),
		UserID:         u.ID,
		WebsiteID:      websiteID,
		Purpose:        purpose,
		Method:         method,
		PendingSecret:  pendingSecret,
		IP:             info.IP,
		UserAgent:      info.UserAgent,
		DeviceName:     info.DeviceName,
		RememberDevice: info.RememberDevice,
		ExpiresAt:      now.Add(s.cfg.OTPTTL),
		CreatedAt:      now,
	}
	var code string
	switch method {
	case userdomain.MFASMSOTP:
		if phone == "" {
			return nil, ErrPhoneRequired
		}
		c.Phone = phone
		fallthrough
	case userdomain.MFAEmailOTP:
		var err error
		if code, err = mfa.GenerateOTP(); err != nil {
			return nil, fmt.Errorf("generate otp: %w", err)
		}
		c.CodeHash = mfa.HashOTP(code)
	case userdomain.MFATOTP:
	default:
		return nil, ErrUnsupportedMethod
	}
	if err := s.challenges.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create mfa challenge: %w", err)
	}
	if code != "" {
		s.sendCode(ctx, u, c, code)
	}
	return c, nil
}

func (s *Service) sendCode(ctx context.Context, u *userdomain.User, c *domain.Challenge, code string) {
	ch := notification.ChannelEmail
	if c.Method == userdomain.MFASMSOTP {
		ch = notification.ChannelSMS
	}
	msg := notification.Message{
		UserID:    u.ID,
		Email:     u.Email,
		Phone:     c.Phone,
		WebsiteID: c.WebsiteID,
		EventKey:  notification.EventMFACode,
		Payload: map[string]string{
			notification.PayloadCode:        code,
			notification.PayloadChallengeID: c.ID,
			"purpose":                       string(c.Purpose),
		},
		Channels: []notification.Channel{ch},
	}
	// A code for a challenge row that was rolled back could never be verified.
	db.AfterCommit(ctx, func(ctx context.Context) { s.notifier.Notify(ctx, msg) })
}

// Verify checks code against the challenge and claims it. Login and disable challenges also accept
// an unused backup code. A consumed or expired challenge never verifies again.
func (s *Service) Verify(ctx context.Context, u *userdomain.User, c *domain.Challenge, code string) error {
	if c == nil || c.UserID != u.ID {
		return ErrChallengeNotFound
	}
	now := s.now().UTC()
	if !c.Open(now) {
		return ErrChallengeExpired
	}
	usedBackup := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, backup, err := s.checkCode(ctx, u, c, code, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidCode
		}
		claimed, err := s.challenges.Claim(ctx, c.ID, now)
		if err != nil {
			return fmt.Errorf("claim mfa challenge: %w", err)
		}
		if claimed == nil {
			return ErrChallengeExpired
		}
		c.ConsumedAt = claimed.ConsumedAt
		usedBackup = backup
		return nil
	})
	if err != nil {
		return err
	}
	if usedBackup {
		s.recordBackupUse(ctx, u, c.WebsiteID)
	}
	return nil
}

// checkCode reports whether code is valid for the challenge and whether it was a backup code.
func (s *Service) checkCode(ctx context.Context, u *userdomain.User, c *domain.Challenge, code string, now time.Time) (bool, bool, error) {
	if c.Purpose != domain.PurposeEnroll && mfa.LooksLikeBackupCode(code) {
		ok, err := s.consumeBackupCode(ctx, u.ID, code, now)
		return ok, ok, err
	}
	switch c.Method {
	case userdomain.MFATOTP:
		sealed := u.MFASecret
		if c.Purpose == domain.PurposeEnroll {
			sealed = c.PendingSecret
		}
		secret, err := s.openSecret(u.ID, sealed)
		if err != nil {
			return false, false, err
		}
		return mfa.VerifyTOTP(secret, code, now), false, nil
	case userdomain.MFAEmailOTP, userdomain.MFASMSOTP:
		return c.CodeHash != "" && mfa.OTPEqual(code, c.CodeHash), false, nil
	}
	return false, false, ErrUnsupportedMethod
}

func (s *Service) consumeBackupCode(ctx context.Context, userID, code string, now time.Time) (bool, error) {
	ok, err := s.codes.Consume(ctx, userID, mfa.HashBackupCode(userID, code), now)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return ok, nil
}

func (s *Service) recordBackupUse(ctx context.Context, u *userdomain.User, websiteID string) {
	meta := map[string]any{}
	if n, err := s.codes.CountUnused(ctx, u.ID); err == nil {
		meta["remaining"] = n
	}
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventBackupCodeUsed, auditdomain.SeverityWarning, meta)
}

func (s *Service) openSecret(userID string, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, errors.New("totp secret missing")
	}
	secret, err := s.box.Open(sealed, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("open totp secret: %w", err)
	}
	return secret, nil
}

// BeginEnrollment starts enrolling method. For TOTP the new secret is sealed onto the challenge and
// returned with its otpauth URI; for emailed and texted codes a code is sent. The current method
// stays in force until ConfirmEnrollment.
func (s *Service) BeginEnrollment(ctx context.Context, u *userdomain.User, websiteID string, method userdomain.MFAMethod, phone string) (*Enrollment, error) {
	if method == userdomain.MFANone || !method.Valid() {
		return nil, ErrUnsupportedMethod
	}
	if phone == "" {
		phone = u.Phone
	}
	out := &Enrollment{Method: method}
	var sealed []byte
	if method == userdomain.MFATOTP {
		raw, encoded, err := mfa.GenerateTOTPSecret()
		if err != nil {
			return nil, fmt.Errorf("generate totp secret: %w", err)
		}
		if sealed, err = s.box.Seal(raw, []byte(u.ID)); err != nil {
			return nil, fmt.Errorf("seal totp secret: %w", err)
		}
		out.Secret = encoded
		out.URI = mfa.ProvisionURI(s.cfg.Issuer, u.Email, encoded)
	}
	c, err := s.newChallenge(ctx, u, websiteID, domain.PurposeEnroll, method, phone, ClientInfo{}, sealed)
	if err != nil {
		return nil, err
	}
	out.ChallengeID = c.ID
	out.ExpiresAt = c.ExpiresAt
	return out, nil
}

// ConfirmEnrollment verifies the first code of a new method, replaces the user's method and secret
// and returns a fresh backup code set. The plaintext codes are only ever returned here and by
// RegenerateBackupCodes.
func (s *Service) ConfirmEnrollment(ctx context.Context, u *userdomain.User, challengeID, code string) ([]string, error) {
	var (
		codes     []string
		method    userdomain.MFAMethod
		sealed    []byte
		phone     = u.Phone
		websiteID string
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if c.UserID != u.ID || c.Purpose != domain.PurposeEnroll {
			return ErrChallengeNotFound
		}
		if err := s.Verify(ctx, u, c, code); err != nil {
			return err
		}
		method, websiteID = c.Method, c.WebsiteID
		if method == userdomain.MFATOTP {
			sealed = c.PendingSecret
		}
		if method == userdomain.MFASMSOTP {
			phone = c.Phone
		}
		if err := s.users.SetMFA(ctx, u.ID, method, sealed, phone); err != nil {
			return fmt.Errorf("set mfa: %w", err)
		}
		codes, err = s.replaceBackupCodes(ctx, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.MFAMethod, u.MFASecret, u.Phone = method, sealed, phone
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventMFAEnabled, auditdomain.SeverityInfo,
		map[string]any{"method": string(method)})
	return codes, nil
}

// SendDisableCode sends a code that DisableMFA will accept. Authenticator users need none.
func (s *Service) SendDisableCode(ctx context.Context, u *userdomain.User, websiteID string) (*domain.Challenge, error) {
	if !u.MFAEnabled() {
		return nil, ErrMFANotEnabled
	}
	if u.MFAMethod == userdomain.MFATOTP {
		return nil, ErrUnsupportedMethod
	}
	return s.newChallenge(ctx, u, websiteID, domain.PurposeDisable, u.MFAMethod, u.Phone, ClientInfo{}, nil)
}

// DisableMFA turns the second factor off after checking a current factor: an authenticator code,
// the code from SendDisableCode, or an unused backup code. All backup codes are dropped.
func (s *Service) DisableMFA(ctx context.Context, u *userdomain.User, websiteID, code string) error {
	if !u.MFAEnabled() {
		return ErrMFANotEnabled
	}
	previous := u.MFAMethod
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.verifyCurrentFactor(ctx, u, code); err != nil {
			return err
		}
		if err := s.users.SetMFA(ctx, u.ID, userdomain.MFANone, nil, u.Phone); err != nil {
			return fmt.Errorf("set mfa: %w", err)
		}
		if err := s.codes.ReplaceAll(ctx, u.ID, nil, s.now().UTC()); err != nil {
			return fmt.Errorf("drop backup codes: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	u.MFAMethod, u.MFASecret = userdomain.MFANone, nil
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventMFADisabled, auditdomain.SeverityWarning,
		map[string]any{"method": string(previous)})
	return nil
}

func (s *Service) verifyCurrentFactor(ctx context.Context, u *userdomain.User, code string) error {
	now := s.now().UTC()
	if mfa.LooksLikeBackupCode(code) {
		ok, err := s.consumeBackupCode(ctx, u.ID, code, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidCode
		}
		return nil
	}
	if u.MFAMethod == userdomain.MFATOTP {
		secret, err := s.openSecret(u.ID, u.MFASecret)
		if err != nil {
			return err
		}
		if !mfa.VerifyTOTP(secret, code, now) {
			return ErrInvalidCode
		}
		return nil
	}
	c, err := s.challenges.LatestOpen(ctx, u.ID, domain.PurposeDisable, now)
	if err != nil {
		return fmt.Errorf("find disable challenge: %w", err)
	}
	if c == nil {
		return ErrInvalidCode
	}
	return s.Verify(ctx, u, c, code)
}

// RegenerateBackupCodes replaces the user's whole backup code set.
func (s *Service) RegenerateBackupCodes(ctx context.Context, u *userdomain.User, websiteID string) ([]string, error) {
	if !u.MFAEnabled() {
		return nil, ErrMFANotEnabled
	}
	var codes []string
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		codes, err = s.replaceBackupCodes(ctx, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActorOf(u), websiteID, auditdomain.EventBackupCodesRegen, auditdomain.SeverityInfo, nil)
	s.notifier.Notify(ctx, notification.Message{
		UserID:   u.ID, Email: u.Email, WebsiteID: websiteID,
		EventKey: notification.EventBackupCodesRegenerated,
		Channels: []notification.Channel{notification.ChannelEmail},
	})
	return codes, nil
}

// RemainingBackupCodes counts the user's unused backup codes.
func (s *Service) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	return s.codes.CountUnused(ctx, userID)
}

func (s *Service) replaceBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := mfa.NewBackupCodes()
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = mfa.HashBackupCode(userID, c)
	}
	if err := s.codes.ReplaceAll(ctx, userID, hashes, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	return codes, nil
}

// Prune removes challenges that expired before the cutoff.
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.challenges.DeleteBefore(ctx, before)
}
