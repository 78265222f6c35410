package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/identity/service"
	"acad-system/backend/internal/lifecycle"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/emailchange"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/lockout"
	"acad-system/backend/internal/magiclink"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/server/interceptors"
	sessiondomain "acad-system/backend/internal/session/domain"
	sessionservice "acad-system/backend/internal/session/service"
	"acad-system/backend/internal/tenant"
	userdomain "acad-system/backend/internal/user/domain"
)

// fakeAuth records the arguments it was called with and returns the configured results.
type fakeAuth struct {
	mu sync.Mutex

	loginReq  service.LoginRequest
	loginRes  *service.LoginResult
	loginErr  error
	refresh   error
	logoutAll struct {
		userID, websiteID, current string
		keep                       bool
	}
	changed bool
}

func (f *fakeAuth) Register(ctx context.Context, req service.RegisterRequest) (*userdomain.User, error) {
	if req.Role == "admin" {
		return nil, service.ErrRoleNotAllowed
	}
	return &userdomain.User{ID: "u-new", Email: req.Email, Role: role.Role(req.Role)}, nil
}

func (f *fakeAuth) Login(ctx context.Context, req service.LoginRequest) (*service.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginReq = req
	return f.loginRes, f.loginErr
}

func (f *fakeAuth) VerifyMFA(ctx context.Context, challengeID, code, ip, userAgent string) (*service.LoginResult, error) {
	if code != "123456" {
		return nil, errors.New("wrapped: " + challengeID)
	}
	return f.loginRes, nil
}

func (f *fakeAuth) VerifyMagicLink(ctx context.Context, req service.MagicLinkRequest) (*service.LoginResult, error) {
	return nil, magiclink.ErrInvalidLink
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (security.TokenPair, error) {
	if f.refresh != nil {
		return security.TokenPair{}, f.refresh
	}
	return security.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil
}

func (f *fakeAuth) Logout(ctx context.Context, sessionID string) error { return nil }

func (f *fakeAuth) LogoutAll(ctx context.Context, userID, websiteID, currentSessionID string, keepCurrent bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutAll.userID, f.logoutAll.websiteID, f.logoutAll.current, f.logoutAll.keep = userID, websiteID, currentSessionID, keepCurrent
	return []string{"s-2", "s-3"}, nil
}

func (f *fakeAuth) ReactivateAccount(ctx context.Context, email, password, websiteID, ip, userAgent string) (*suspension.Suspension, error) {
	return &suspension.Suspension{UserID: "u-1", WebsiteID: websiteID}, nil
}

func (f *fakeAuth) CancelDeletion(ctx context.Context, token string) (*deletion.Request, error) {
	return nil, lifecycle.ErrTokenExpired
}

func (f *fakeAuth) ChangePassword(ctx context.Context, u *userdomain.User, websiteID, currentSessionID, current, next string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = true
	return nil
}

type fakeLinks struct {
	website string
	purpose magiclink.Purpose
}

func (f *fakeLinks) Send(ctx context.Context, email, websiteID string, purpose magiclink.Purpose, ip, userAgent string) (time.Duration, time.Time, error) {
	if !purpose.Valid() {
		return 0, time.Time{}, magiclink.ErrInvalidPurpose
	}
	f.website, f.purpose = websiteID, purpose
	return 15 * time.Minute, time.Now().Add(15 * time.Minute), nil
}

type fakeEmails struct{}

func (fakeEmails) VerifyNewEmail(ctx context.Context, token string) (*emailchange.Request, error) {
	return &emailchange.Request{ID: "ec-1", Status: emailchange.StatusEmailVerified}, nil
}

func (fakeEmails) ConfirmOldEmail(ctx context.Context, token string) (*emailchange.Request, error) {
	return nil, lifecycle.ErrWrongState
}

type fakeUsers map[string]*userdomain.User

func (m fakeUsers) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	return m[id], nil
}

func newTestServer() (*AuthServer, *fakeAuth, *fakeLinks) {
	auth := &fakeAuth{}
	links := &fakeLinks{}
	users := fakeUsers{"u-1": {ID: "u-1", Email: "a@x.com", Role: role.Client, IsActive: true}}
	return NewAuthServer(auth, links, fakeEmails{}, users, nil), auth, links
}

func siteCtx() context.Context {
	return tenant.WithWebsite(context.Background(), tenant.Website{ID: "w1", Active: true})
}

func wantCode(t *testing.T, err error, want codes.Code) *status.Status {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected gRPC status, got %v", err)
	}
	if st.Code() != want {
		t.Fatalf("code = %v, want %v (%s)", st.Code(), want, st.Message())
	}
	return st
}

func TestLogin_StartsSession(t *testing.T) {
	srv, auth, _ := newTestServer()
	auth.loginRes = &service.LoginResult{
		User:    &userdomain.User{ID: "u-1", Email: "a@x.com", Role: role.Client},
		Session: &sessiondomain.Session{ID: "s-1"},
		Tokens:  security.TokenPair{AccessToken: "acc", RefreshToken: "ref"},
		Evicted: &sessiondomain.Session{ID: "s-0"},
	}
	ctx := interceptors.WithClient(siteCtx(), "10.0.0.1", "test-agent")

	resp, err := srv.Login(ctx, &LoginRequest{Email: "a@x.com", Password: "pw", RememberDevice: true})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.MFARequired || resp.SessionID != "s-1" || resp.Tokens == nil || resp.Tokens.AccessToken != "acc" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.EvictedSessionID != "s-0" {
		t.Errorf("evicted = %q, want s-0", resp.EvictedSessionID)
	}
	if resp.User == nil || resp.User.MFAMethod != "none" {
		t.Errorf("user view = %+v", resp.User)
	}
	if auth.loginReq.WebsiteID != "w1" || auth.loginReq.IP != "10.0.0.1" || auth.loginReq.UserAgent != "test-agent" {
		t.Errorf("login request = %+v", auth.loginReq)
	}
	if !auth.loginReq.RememberDevice {
		t.Error("remember_device not passed through")
	}
}

func TestLogin_MFARequired(t *testing.T) {
	srv, auth, _ := newTestServer()
	exp := time.Now().Add(10 * time.Minute)
	auth.loginRes = &service.LoginResult{MFARequired: true, ChallengeID: "ch-1", MFAMethod: userdomain.MFATOTP, ExpiresAt: exp}

	resp, err := srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !resp.MFARequired || resp.ChallengeID != "ch-1" || resp.MFAMethod != "totp" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Tokens != nil || resp.SessionID != "" {
		t.Error("no session must be returned before the second factor")
	}
}

func TestLogin_LockedCarriesDetails(t *testing.T) {
	srv, auth, _ := newTestServer()
	until := time.Now().Add(15 * time.Minute)
	auth.loginErr = &lockout.LockedError{
		Reason:        lockout.ReasonTooManyAttempts,
		Until:         &until,
		UnlockOptions: []lockout.UnlockOption{lockout.UnlockWait, lockout.UnlockEmail},
	}

	_, err := srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com", Password: "pw"})
	st := wantCode(t, err, codes.PermissionDenied)
	var info *errdetails.ErrorInfo
	var retry *errdetails.RetryInfo
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			info = v
		case *errdetails.RetryInfo:
			retry = v
		}
	}
	if info == nil || info.Reason != "ACCOUNT_LOCKED" {
		t.Fatalf("ErrorInfo = %+v", info)
	}
	if info.Metadata["unlock_options"] != "wait,email_unlock" {
		t.Errorf("unlock_options = %q", info.Metadata["unlock_options"])
	}
	if retry == nil || retry.RetryDelay.AsDuration() <= 14*time.Minute {
		t.Errorf("RetryInfo = %+v", retry)
	}
}

func TestLogin_StateUnavailableIsUnavailable(t *testing.T) {
	srv, auth, _ := newTestServer()
	auth.loginErr = &lockout.LockedError{Reason: lockout.ReasonStateUnavailable}
	_, err := srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com", Password: "pw"})
	wantCode(t, err, codes.Unavailable)
}

func TestLogin_InvalidCredentialsAndLimit(t *testing.T) {
	srv, auth, _ := newTestServer()

	auth.loginErr = service.ErrInvalidCredentials
	_, err := srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com", Password: "pw"})
	wantCode(t, err, codes.Unauthenticated)

	auth.loginErr = &sessionservice.LimitError{Active: 3, Max: 3}
	_, err = srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com", Password: "pw"})
	wantCode(t, err, codes.ResourceExhausted)

	_, err = srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com"})
	wantCode(t, err, codes.InvalidArgument)
}

type countingLogins struct{ outcomes []string }

func (c *countingLogins) Login(outcome string) { c.outcomes = append(c.outcomes, outcome) }

func TestLogin_CountsOutcomes(t *testing.T) {
	srv, auth, _ := newTestServer()
	counter := &countingLogins{}
	srv.WithCounter(counter)

	auth.loginRes = &service.LoginResult{MFARequired: true, ChallengeID: "ch-1", MFAMethod: userdomain.MFAEmailOTP}
	if _, err := srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	auth.loginErr = service.ErrInvalidCredentials
	_, _ = srv.Login(siteCtx(), &LoginRequest{Email: "a@x.com", Password: "pw"})

	want := []string{"mfa_required", "unauthenticated"}
	if len(counter.outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", counter.outcomes, want)
	}
	for i := range want {
		if counter.outcomes[i] != want[i] {
			t.Errorf("outcomes[%d] = %q, want %q", i, counter.outcomes[i], want[i])
		}
	}
}

func TestVerifyMFA_UnknownErrorIsInternal(t *testing.T) {
	srv, _, _ := newTestServer()
	_, err := srv.VerifyMFA(siteCtx(), &VerifyMFARequest{ChallengeID: "ch-1", Code: "000000"})
	st := wantCode(t, err, codes.Internal)
	if st.Message() != "internal error" {
		t.Errorf("internal errors must not leak, got %q", st.Message())
	}
}

func TestRegister_UsesResolvedWebsite(t *testing.T) {
	srv, _, _ := newTestServer()
	resp, err := srv.Register(siteCtx(), &RegisterRequest{Email: "new@x.com", Password: "pw", Role: "writer"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.User.ID != "u-new" || resp.User.Role != "writer" {
		t.Errorf("user = %+v", resp.User)
	}
	_, err = srv.Register(siteCtx(), &RegisterRequest{Email: "new@x.com", Password: "pw", Role: "admin"})
	wantCode(t, err, codes.PermissionDenied)
}

func TestRefresh_InvalidToken(t *testing.T) {
	srv, auth, _ := newTestServer()
	auth.refresh = sessionservice.ErrInvalidRefreshToken
	_, err := srv.Refresh(siteCtx(), &RefreshRequest{RefreshToken: "garbage"})
	wantCode(t, err, codes.Unauthenticated)

	_, err = srv.Refresh(siteCtx(), &RefreshRequest{})
	wantCode(t, err, codes.InvalidArgument)
}

func TestSendMagicLink_GenericAnswer(t *testing.T) {
	srv, _, links := newTestServer()
	resp, err := srv.SendMagicLink(siteCtx(), &SendMagicLinkRequest{Email: "nobody@x.com"})
	if err != nil {
		t.Fatalf("SendMagicLink: %v", err)
	}
	if resp.ExpiresInSeconds != 900 {
		t.Errorf("expires_in_seconds = %d, want 900", resp.ExpiresInSeconds)
	}
	if links.purpose != magiclink.PurposeLogin || links.website != "w1" {
		t.Errorf("sent purpose=%q website=%q", links.purpose, links.website)
	}

	_, err = srv.SendMagicLink(siteCtx(), &SendMagicLinkRequest{Email: "a@x.com", Purpose: "reset"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestVerifyMagicLink_Invalid(t *testing.T) {
	srv, _, _ := newTestServer()
	_, err := srv.VerifyMagicLink(siteCtx(), &VerifyMagicLinkRequest{Token: "used"})
	wantCode(t, err, codes.Unauthenticated)
}

func TestTokenRedemptions(t *testing.T) {
	srv, _, _ := newTestServer()
	ctx := siteCtx()

	resp, err := srv.VerifyNewEmail(ctx, &TokenRequest{Token: "t"})
	if err != nil {
		t.Fatalf("VerifyNewEmail: %v", err)
	}
	if resp.Request.Status != emailchange.StatusEmailVerified {
		t.Errorf("status = %q", resp.Request.Status)
	}
	_, err = srv.ConfirmOldEmail(ctx, &TokenRequest{Token: "t"})
	wantCode(t, err, codes.FailedPrecondition)
	_, err = srv.CancelDeletion(ctx, &TokenRequest{Token: "t"})
	wantCode(t, err, codes.FailedPrecondition)
	_, err = srv.CancelDeletion(ctx, &TokenRequest{})
	wantCode(t, err, codes.InvalidArgument)
}

func TestReactivateAccount(t *testing.T) {
	srv, _, _ := newTestServer()
	resp, err := srv.ReactivateAccount(siteCtx(), &ReactivateAccountRequest{Email: "a@x.com", Password: "pw"})
	if err != nil {
		t.Fatalf("ReactivateAccount: %v", err)
	}
	if resp.Suspension.WebsiteID != "w1" {
		t.Errorf("website = %q", resp.Suspension.WebsiteID)
	}
}

func TestLogoutAll_UsesCallerIdentity(t *testing.T) {
	srv, auth, _ := newTestServer()
	ctx := interceptors.WithIdentity(context.Background(), "u-1", "w1", "s-1")

	resp, err := srv.LogoutAll(ctx, &LogoutAllRequest{KeepCurrent: true})
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if len(resp.RevokedSessionIDs) != 2 {
		t.Errorf("revoked = %v", resp.RevokedSessionIDs)
	}
	got := auth.logoutAll
	if got.userID != "u-1" || got.websiteID != "w1" || got.current != "s-1" || !got.keep {
		t.Errorf("LogoutAll args = %+v", got)
	}

	if _, err := srv.LogoutAll(ctx, &LogoutAllRequest{AllWebsites: true}); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if auth.logoutAll.websiteID != "" {
		t.Errorf("all_websites should clear the website filter, got %q", auth.logoutAll.websiteID)
	}

	_, err = srv.LogoutAll(context.Background(), &LogoutAllRequest{})
	wantCode(t, err, codes.Unauthenticated)
}

func TestChangePassword_RequiresUser(t *testing.T) {
	srv, auth, _ := newTestServer()
	_, err := srv.ChangePassword(context.Background(), &ChangePasswordRequest{CurrentPassword: "a", NewPassword: "b"})
	wantCode(t, err, codes.Unauthenticated)

	ctx := interceptors.WithIdentity(context.Background(), "u-1", "w1", "s-1")
	if _, err := srv.ChangePassword(ctx, &ChangePasswordRequest{CurrentPassword: "a", NewPassword: "b"}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if !auth.changed {
		t.Error("ChangePassword not called")
	}
}

func TestLogout_NeedsSession(t *testing.T) {
	srv, _, _ := newTestServer()
	_, err := srv.Logout(context.Background(), &LogoutRequest{})
	wantCode(t, err, codes.Unauthenticated)

	ctx := interceptors.WithIdentity(context.Background(), "u-1", "w1", "s-1")
	if _, err := srv.Logout(ctx, &LogoutRequest{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
}
