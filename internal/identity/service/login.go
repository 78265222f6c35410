package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	devicedomain "acad-system/backend/internal/device/domain"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/lockout"
	"acad-system/backend/internal/magiclink"
	mfadomain "acad-system/backend/internal/mfa/domain"
	mfaservice "acad-system/backend/internal/mfa/service"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/security"
	sessiondomain "acad-system/backend/internal/session/domain"
	userdomain "acad-system/backend/internal/user/domain"
)

// Lockout is the smart lockout engine.
type Lockout interface {
	ShouldLockout(ctx context.Context, u *userdomain.User, websiteID string, trustedDevice bool) (bool, lockout.Reason, error)
	RegisterFailure(ctx context.Context, u *userdomain.User, websiteID, ip, userAgent string) (*lockout.LockedError, error)
	RegisterSuccess(ctx context.Context, u *userdomain.User, websiteID string) error
	ClearLockout(ctx context.Context, u *userdomain.User, websiteID, via string) error
	LockedErrorFor(ctx context.Context, u *userdomain.User, websiteID string, reason lockout.Reason) *lockout.LockedError
}

// Suspensions answers whether an account is suspended, applying due reactivations first.
type Suspensions interface {
	IsSuspended(ctx context.Context, u *userdomain.User, websiteID string) (bool, error)
	Reactivate(ctx context.Context, u *userdomain.User) (*suspension.Suspension, error)
}

// Devices is the device trust store.
type Devices interface {
	IsTrusted(ctx context.Context, userID, websiteID, token string) (*devicedomain.TrustedDevice, bool, error)
	Remember(ctx context.Context, u *userdomain.User, websiteID string, info devicedomain.Info) (string, *devicedomain.TrustedDevice, error)
}

// SecondFactor opens and checks login challenges.
type SecondFactor interface {
	CreateLoginChallenge(ctx context.Context, u *userdomain.User, websiteID string, info mfaservice.ClientInfo) (*mfadomain.Challenge, error)
	GetChallenge(ctx context.Context, id string) (*mfadomain.Challenge, error)
	Verify(ctx context.Context, u *userdomain.User, c *mfadomain.Challenge, code string) error
}

// Sessions issues, rotates and revokes sessions.
type Sessions interface {
	StartSession(ctx context.Context, u *userdomain.User, websiteID, ip, userAgent string, dev sessiondomain.DeviceInfo) (*sessiondomain.Session, security.TokenPair, error)
	Revoke(ctx context.Context, sessionID string) (bool, error)
	RevokeAll(ctx context.Context, userID, websiteID, excludeSessionID string) ([]string, error)
	Refresh(ctx context.Context, refreshToken string) (security.TokenPair, error)
}

// SessionLimiter applies the concurrent-session policy to a freshly started session.
type SessionLimiter interface {
	Enforce(ctx context.Context, newSession *sessiondomain.Session, trustedVerified bool) (*sessiondomain.Session, error)
}

// MagicLinks redeems emailed sign-in links.
type MagicLinks interface {
	Claim(ctx context.Context, token string) (*magiclink.Link, error)
}

// Deletions cancels a pending deletion with its undo token.
type Deletions interface {
	CancelDeletionByToken(ctx context.Context, token string) (*deletion.Request, error)
}

// Deps wires the auth service. Notifier, Audit and Log may be nil.
type Deps struct {
	Users       UserRepo
	Tx          Transactor
	Hasher      *security.Hasher
	Lockout     Lockout
	Suspensions Suspensions
	Devices     Devices
	MFA         SecondFactor
	Sessions    Sessions
	Limiter     SessionLimiter
	MagicLinks  MagicLinks
	Deletions   Deletions
	Notifier    notification.Notifier
	Audit       audit.Recorder
	Log         *zap.Logger
}

// AuthService runs registration, credential checks and the sign-in pipeline.
type AuthService struct {
	users       UserRepo
	tx          Transactor
	hasher      *security.Hasher
	lockout     Lockout
	suspensions Suspensions
	devices     Devices
	mfa         SecondFactor
	sessions    Sessions
	limiter     SessionLimiter
	magicLinks  MagicLinks
	deletions   Deletions
	notifier    notification.Notifier
	audit       audit.Recorder
	log         *zap.Logger
	now         func() time.Time
}

func NewAuthService(d Deps) *AuthService {
	s := &AuthService{
		users:       d.Users,
		tx:          d.Tx,
		hasher:      d.Hasher,
		lockout:     d.Lockout,
		suspensions: d.Suspensions,
		devices:     d.Devices,
		mfa:         d.MFA,
		sessions:    d.Sessions,
		limiter:     d.Limiter,
		magicLinks:  d.MagicLinks,
		deletions:   d.Deletions,
		notifier:    d.Notifier,
		audit:       d.Audit,
		log:         d.Log,
		now:         time.Now,
	}
	if s.hasher == nil {
		s.hasher = security.NewHasher(0)
	}
	if s.notifier == nil {
		s.notifier = notification.Nop{}
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// LoginRequest is a password sign-in. DeviceToken is the token handed out by an earlier
// remembered sign-in, if any.
type LoginRequest struct {
	Email          string
	Password       string
	WebsiteID      string
	IP             string
	UserAgent      string
	DeviceName     string
	DeviceToken    string
	RememberDevice bool
}

// MagicLinkRequest redeems a magic link from a browser.
type MagicLinkRequest struct {
	Token          string
	IP             string
	UserAgent      string
	DeviceName     string
	DeviceToken    string
	RememberDevice bool
}

// LoginResult is either a pending second factor (MFARequired) or a started session. DeviceToken is
// set only on the sign-in that remembered the device.
type LoginResult struct {
	MFARequired bool
	ChallengeID string
	MFAMethod   userdomain.MFAMethod
	ExpiresAt   time.Time

	User        *userdomain.User
	Session     *sessiondomain.Session
	Tokens      security.TokenPair
	DeviceToken string
	Evicted     *sessiondomain.Session
}

type client struct {
	websiteID  string
	ip         string
	userAgent  string
	deviceName string
	remember   bool
}

// Login runs the password sign-in in one transaction holding the user row lock. A wrong password
// is committed (the attempt counts) before the error is returned, whatever the account state.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	c := client{websiteID: req.WebsiteID, ip: req.IP, userAgent: req.UserAgent, deviceName: req.DeviceName, remember: req.RememberDevice}
	var (
		res    *LoginResult
		denied error
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		found, err := s.users.GetByEmail(ctx, NormalizeEmail(req.Email))
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if found == nil {
			s.hasher.CompareDummy(req.Password)
			return ErrInvalidCredentials
		}
		u, err := s.users.GetByIDForUpdate(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if u == nil {
			s.hasher.CompareDummy(req.Password)
			return ErrInvalidCredentials
		}
		trusted, err := s.trustedDevice(ctx, u, req.WebsiteID, req.DeviceToken)
		if err != nil {
			return err
		}
		if err := s.gate(ctx, u, req.WebsiteID, trusted != nil); err != nil {
			return err
		}
		if !s.passwordMatches(u, req.Password) {
			denied, err = s.failed(ctx, u, c, auditdomain.EventLoginFailed, ErrInvalidCredentials)
			return err
		}
		// Disabled and suspended are only told to someone who knows the password.
		if err := s.accountUsable(ctx, u, req.WebsiteID); err != nil {
			return err
		}
		if u.MFAEnabled() && trusted == nil {
			res, err = s.challenge(ctx, u, c)
			return err
		}
		res, err = s.complete(ctx, u, c, trusted, "password")
		return err
	})
	if err != nil {
		return nil, err
	}
	if denied != nil {
		return nil, denied
	}
	return res, nil
}

// VerifyMFA completes a sign-in that stopped at the second factor. A wrong code counts as a failed
// attempt.
func (s *AuthService) VerifyMFA(ctx context.Context, challengeID, code, ip, userAgent string) (*LoginResult, error) {
	ch, err := s.mfa.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Purpose != mfadomain.PurposeLogin {
		return nil, mfaservice.ErrChallengeNotFound
	}
	c := client{websiteID: ch.WebsiteID, ip: ch.IP, userAgent: ch.UserAgent, deviceName: ch.DeviceName, remember: ch.RememberDevice}
	if ip != "" {
		c.ip = ip
	}
	if userAgent != "" {
		c.userAgent = userAgent
	}
	var (
		res    *LoginResult
		denied error
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		u, err := s.users.GetByIDForUpdate(ctx, ch.UserID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if u == nil {
			return mfaservice.ErrChallengeNotFound
		}
		if !u.CanLogin() {
			return ErrAccountDisabled
		}
		if err := s.gate(ctx, u, ch.WebsiteID, false); err != nil {
			return err
		}
		if err := s.mfa.Verify(ctx, u, ch, code); err != nil {
			if !errors.Is(err, mfaservice.ErrInvalidCode) {
				return err
			}
			denied, err = s.failed(ctx, u, c, auditdomain.EventMFAChallengeFailed, mfaservice.ErrInvalidCode)
			return err
		}
		res, err = s.complete(ctx, u, c, nil, "mfa")
		return err
	})
	if err != nil {
		return nil, err
	}
	if denied != nil {
		return nil, denied
	}
	return res, nil
}

// VerifyMagicLink signs in with a magic link. An unlock link also lifts the lockout; a login link
// still respects it. Either way the device trust and second-factor steps follow.
func (s *AuthService) VerifyMagicLink(ctx context.Context, req MagicLinkRequest) (*LoginResult, error) {
	var res *LoginResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		link, err := s.magicLinks.Claim(ctx, req.Token)
		if err != nil {
			return err
		}
		u, err := s.users.GetByIDForUpdate(ctx, link.UserID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if u == nil {
			return magiclink.ErrInvalidLink
		}
		if err := s.accountUsable(ctx, u, link.WebsiteID); err != nil {
			return err
		}
		trusted, err := s.trustedDevice(ctx, u, link.WebsiteID, req.DeviceToken)
		if err != nil {
			return err
		}
		if link.Purpose == magiclink.PurposeUnlock {
			if err := s.lockout.ClearLockout(ctx, u, link.WebsiteID, "magic_link"); err != nil {
				return fmt.Errorf("clear lockout: %w", err)
			}
		} else if err := s.gate(ctx, u, link.WebsiteID, trusted != nil); err != nil {
			return err
		}
		s.audit.Record(ctx, audit.ActorOf(u), link.WebsiteID, auditdomain.EventMagicLinkUsed, auditdomain.SeverityInfo,
			map[string]any{"purpose": string(link.Purpose), "ip": req.IP})
		c := client{websiteID: link.WebsiteID, ip: req.IP, userAgent: req.UserAgent, deviceName: req.DeviceName, remember: req.RememberDevice}
		if u.MFAEnabled() && trusted == nil {
			res, err = s.challenge(ctx, u, c)
			return err
		}
		res, err = s.complete(ctx, u, c, trusted, "magic_link")
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Refresh rotates a refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (security.TokenPair, error) {
	return s.sessions.Refresh(ctx, refreshToken)
}

// Logout revokes one session. Logging out twice is not an error.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	_, err := s.sessions.Revoke(ctx, sessionID)
	return err
}

// LogoutAll revokes the user's sessions on the website (every website when websiteID is empty),
// keeping currentSessionID when keepCurrent is set. It returns the revoked ids.
func (s *AuthService) LogoutAll(ctx context.Context, userID, websiteID, currentSessionID string, keepCurrent bool) ([]string, error) {
	exclude := ""
	if keepCurrent {
		exclude = currentSessionID
	}
	return s.sessions.RevokeAll(ctx, userID, websiteID, exclude)
}

// ReactivateAccount lets a suspended user lift the suspension by proving the password. A wrong
// password counts as a failed attempt.
func (s *AuthService) ReactivateAccount(ctx context.Context, email, password, websiteID, ip, userAgent string) (*suspension.Suspension, error) {
	u, err := s.VerifyCredentials(ctx, email, password)
	if errors.Is(err, ErrInvalidCredentials) && u != nil {
		le, ferr := s.lockout.RegisterFailure(ctx, u, websiteID, ip, userAgent)
		if ferr != nil {
			s.log.Error("auth: register failure", zap.String("user_id", u.ID), zap.Error(ferr))
		}
		if le != nil {
			return nil, le
		}
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.CanLogin() {
		return nil, ErrAccountDisabled
	}
	if err := s.gate(ctx, u, websiteID, false); err != nil {
		return nil, err
	}
	return s.suspensions.Reactivate(ctx, u)
}

// CancelDeletion undoes a pending deletion with the emailed undo token.
func (s *AuthService) CancelDeletion(ctx context.Context, token string) (*deletion.Request, error) {
	return s.deletions.CancelDeletionByToken(ctx, token)
}

func (s *AuthService) accountUsable(ctx context.Context, u *userdomain.User, websiteID string) error {
	if !u.CanLogin() {
		return ErrAccountDisabled
	}
	suspended, err := s.suspensions.IsSuspended(ctx, u, websiteID)
	if err != nil {
		return fmt.Errorf("check suspension: %w", err)
	}
	if suspended {
		return ErrAccountSuspended
	}
	return nil
}

func (s *AuthService) trustedDevice(ctx context.Context, u *userdomain.User, websiteID, token string) (*devicedomain.TrustedDevice, error) {
	if token == "" {
		return nil, nil
	}
	d, ok, err := s.devices.IsTrusted(ctx, u.ID, websiteID, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return d, nil
}

// gate refuses a locked account. A lockout store failure also refuses.
func (s *AuthService) gate(ctx context.Context, u *userdomain.User, websiteID string, trusted bool) error {
	locked, reason, err := s.lockout.ShouldLockout(ctx, u, websiteID, trusted)
	if err != nil {
		s.log.Error("auth: lockout state unavailable", zap.String("user_id", u.ID), zap.Error(err))
	}
	if locked {
		return s.lockout.LockedErrorFor(ctx, u, websiteID, reason)
	}
	return nil
}

// failed counts a failed attempt. It returns the error for the caller (the lock when this attempt
// tripped it, otherwise denial) and any store error that must abort the transaction.
func (s *AuthService) failed(ctx context.Context, u *userdomain.User, c client, event auditdomain.EventType, denial error) (error, error) {
	le, err := s.lockout.RegisterFailure(ctx, u, c.websiteID, c.ip, c.userAgent)
	if err != nil {
		return nil, fmt.Errorf("register failed attempt: %w", err)
	}
	s.audit.Record(ctx, audit.ActorOf(u), c.websiteID, event, auditdomain.SeverityWarning,
		map[string]any{"ip": c.ip, "locked": le != nil})
	if le != nil {
		return le, nil
	}
	return denial, nil
}

func (s *AuthService) challenge(ctx context.Context, u *userdomain.User, c client) (*LoginResult, error) {
	ch, err := s.mfa.CreateLoginChallenge(ctx, u, c.websiteID, mfaservice.ClientInfo{
		IP:             c.ip,
		UserAgent:      c.userAgent,
		DeviceName:     c.deviceName,
		RememberDevice: c.remember,
	})
	if err != nil {
		return nil, fmt.Errorf("create mfa challenge: %w", err)
	}
	return &LoginResult{MFARequired: true, ChallengeID: ch.ID, MFAMethod: ch.Method, ExpiresAt: ch.ExpiresAt, User: u}, nil
}

// complete is the last step of every sign-in path: reset the failure state, start the session,
// apply the session limit and optionally remember the device.
func (s *AuthService) complete(ctx context.Context, u *userdomain.User, c client, trusted *devicedomain.TrustedDevice, via string) (*LoginResult, error) {
	if err := s.lockout.RegisterSuccess(ctx, u, c.websiteID); err != nil {
		return nil, fmt.Errorf("register success: %w", err)
	}
	dev := sessiondomain.DeviceInfo{Name: c.deviceName}
	if trusted != nil {
		dev.DeviceID, dev.Trusted = trusted.ID, true
	}
	sess, pair, err := s.sessions.StartSession(ctx, u, c.websiteID, c.ip, c.userAgent, dev)
	if err != nil {
		return nil, err
	}
	evicted, err := s.limiter.Enforce(ctx, sess, trusted != nil)
	if err != nil {
		return nil, err
	}
	res := &LoginResult{User: u, Session: sess, Tokens: pair, Evicted: evicted}
	if c.remember && trusted == nil {
		token, _, err := s.devices.Remember(ctx, u, c.websiteID, devicedomain.Info{Name: c.deviceName, UserAgent: c.userAgent, IP: c.ip})
		if err != nil {
			return nil, err
		}
		res.DeviceToken = token
	}
	s.audit.Record(ctx, audit.ActorOf(u), c.websiteID, auditdomain.EventLoginSuccess, auditdomain.SeverityInfo,
		map[string]any{"session_id": sess.ID, "via": via, "trusted_device": trusted != nil, "ip": c.ip})
	return res, nil
}
