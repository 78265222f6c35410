// Package handler serves AuthService: registration, the sign-in pipeline, token refresh and the
// token-only account actions reached from emailed links.
package handler

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/identity/service"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/emailchange"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/magiclink"
	"acad-system/backend/internal/platform/rbac"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/server/rpc"
	"acad-system/backend/internal/tenant"
	userdomain "acad-system/backend/internal/user/domain"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "acad.auth.v1.AuthService"

// Authenticator is the part of *service.AuthService the handler calls.
type Authenticator interface {
	Register(ctx context.Context, req service.RegisterRequest) (*userdomain.User, error)
	Login(ctx context.Context, req service.LoginRequest) (*service.LoginResult, error)
	VerifyMFA(ctx context.Context, challengeID, code, ip, userAgent string) (*service.LoginResult, error)
	VerifyMagicLink(ctx context.Context, req service.MagicLinkRequest) (*service.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (security.TokenPair, error)
	Logout(ctx context.Context, sessionID string) error
	LogoutAll(ctx context.Context, userID, websiteID, currentSessionID string, keepCurrent bool) ([]string, error)
	ReactivateAccount(ctx context.Context, email, password, websiteID, ip, userAgent string) (*suspension.Suspension, error)
	CancelDeletion(ctx context.Context, token string) (*deletion.Request, error)
	ChangePassword(ctx context.Context, u *userdomain.User, websiteID, currentSessionID, current, next string) error
}

// LinkSender mails magic links.
type LinkSender interface {
	Send(ctx context.Context, email, websiteID string, purpose magiclink.Purpose, ip, userAgent string) (time.Duration, time.Time, error)
}

// EmailConfirmer redeems the tokens of an approved email change.
type EmailConfirmer interface {
	VerifyNewEmail(ctx context.Context, token string) (*emailchange.Request, error)
	ConfirmOldEmail(ctx context.Context, token string) (*emailchange.Request, error)
}

// LoginCounter counts sign-in outcomes (Prometheus).
type LoginCounter interface {
	Login(outcome string)
}

// AuthServer implements AuthService.
type AuthServer struct {
	auth    Authenticator
	links   LinkSender
	emails  EmailConfirmer
	users   rbac.UserGetter
	log     *zap.Logger
	counter LoginCounter
}

// NewAuthServer returns the AuthService server.
func NewAuthServer(auth Authenticator, links LinkSender, emails EmailConfirmer, users rbac.UserGetter, log *zap.Logger) *AuthServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServer{auth: auth, links: links, emails: emails, users: users, log: log}
}

func (s *AuthServer) WithCounter(c LoginCounter) *AuthServer {
	s.counter = c
	return s
}

// countLogin records the outcome of a sign-in step by the gRPC code it produced.
func (s *AuthServer) countLogin(res *LoginResponse, err error) {
	if s.counter == nil {
		return
	}
	switch {
	case err != nil:
		s.counter.Login(strings.ToLower(status.Code(err).String()))
	case res.MFARequired:
		s.counter.Login("mfa_required")
	default:
		s.counter.Login("success")
	}
}

// AuthServiceServer is the handler type of ServiceDesc.
type AuthServiceServer interface {
	Register(context.Context, *RegisterRequest) (*UserResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	VerifyMFA(context.Context, *VerifyMFARequest) (*LoginResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokensResponse, error)
	SendMagicLink(context.Context, *SendMagicLinkRequest) (*SendMagicLinkResponse, error)
	VerifyMagicLink(context.Context, *VerifyMagicLinkRequest) (*LoginResponse, error)
	ReactivateAccount(context.Context, *ReactivateAccountRequest) (*ReactivateAccountResponse, error)
	CancelDeletion(context.Context, *TokenRequest) (*DeletionResponse, error)
	VerifyNewEmail(context.Context, *TokenRequest) (*EmailChangeResponse, error)
	ConfirmOldEmail(context.Context, *TokenRequest) (*EmailChangeResponse, error)
	Logout(context.Context, *LogoutRequest) (*Empty, error)
	LogoutAll(context.Context, *LogoutAllRequest) (*LogoutAllResponse, error)
	ChangePassword(context.Context, *ChangePasswordRequest) (*Empty, error)
}

// ServiceDesc describes AuthService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "Register", AuthServiceServer.Register),
		rpc.Unary(ServiceName, "Login", AuthServiceServer.Login),
		rpc.Unary(ServiceName, "VerifyMFA", AuthServiceServer.VerifyMFA),
		rpc.Unary(ServiceName, "Refresh", AuthServiceServer.Refresh),
		rpc.Unary(ServiceName, "SendMagicLink", AuthServiceServer.SendMagicLink),
		rpc.Unary(ServiceName, "VerifyMagicLink", AuthServiceServer.VerifyMagicLink),
		rpc.Unary(ServiceName, "ReactivateAccount", AuthServiceServer.ReactivateAccount),
		rpc.Unary(ServiceName, "CancelDeletion", AuthServiceServer.CancelDeletion),
		rpc.Unary(ServiceName, "VerifyNewEmail", AuthServiceServer.VerifyNewEmail),
		rpc.Unary(ServiceName, "ConfirmOldEmail", AuthServiceServer.ConfirmOldEmail),
		rpc.Unary(ServiceName, "Logout", AuthServiceServer.Logout),
		rpc.Unary(ServiceName, "LogoutAll", AuthServiceServer.LogoutAll),
		rpc.Unary(ServiceName, "ChangePassword", AuthServiceServer.ChangePassword),
	},
	Streams: []grpc.StreamDesc{},
}

// PublicMethods are reachable without an access token.
var PublicMethods = rpc.Methods(&ServiceDesc,
	"Register", "Login", "VerifyMFA", "Refresh", "SendMagicLink", "VerifyMagicLink",
	"ReactivateAccount", "CancelDeletion", "VerifyNewEmail", "ConfirmOldEmail",
)

// Register creates an account for a self-registering role on the resolved website.
func (s *AuthServer) Register(ctx context.Context, req *RegisterRequest) (*UserResponse, error) {
	u, err := s.auth.Register(ctx, service.RegisterRequest{
		Email:     req.Email,
		Password:  req.Password,
		Role:      req.Role,
		WebsiteID: tenant.IDFromContext(ctx),
	})
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &UserResponse{User: userView(u)}, nil
}

// Login verifies the password and either starts a session or opens a second-factor challenge.
func (s *AuthServer) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password are required")
	}
	ip, ua := interceptors.GetClient(ctx)
	res, err := s.auth.Login(ctx, service.LoginRequest{
		Email:          req.Email,
		Password:       req.Password,
		WebsiteID:      tenant.IDFromContext(ctx),
		IP:             ip,
		UserAgent:      ua,
		DeviceName:     req.DeviceName,
		DeviceToken:    req.DeviceToken,
		RememberDevice: req.RememberDevice,
	})
	if err != nil {
		err = rpc.Error(ctx, s.log, err)
		s.countLogin(nil, err)
		return nil, err
	}
	out := loginResponse(res)
	s.countLogin(out, nil)
	return out, nil
}

// VerifyMFA completes a sign-in that required a second factor.
func (s *AuthServer) VerifyMFA(ctx context.Context, req *VerifyMFARequest) (*LoginResponse, error) {
	if req.ChallengeID == "" || req.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "challenge_id and code are required")
	}
	ip, ua := interceptors.GetClient(ctx)
	res, err := s.auth.VerifyMFA(ctx, req.ChallengeID, req.Code, ip, ua)
	if err != nil {
		err = rpc.Error(ctx, s.log, err)
		s.countLogin(nil, err)
		return nil, err
	}
	out := loginResponse(res)
	s.countLogin(out, nil)
	return out, nil
}

// Refresh rotates a refresh token.
func (s *AuthServer) Refresh(ctx context.Context, req *RefreshRequest) (*TokensResponse, error) {
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh_token is required")
	}
	pair, err := s.auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &TokensResponse{Tokens: pair}, nil
}

// SendMagicLink answers the same way whether or not the address has an account.
func (s *AuthServer) SendMagicLink(ctx context.Context, req *SendMagicLinkRequest) (*SendMagicLinkResponse, error) {
	if req.Email == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}
	purpose := magiclink.Purpose(req.Purpose)
	if purpose == "" {
		purpose = magiclink.PurposeLogin
	}
	ip, ua := interceptors.GetClient(ctx)
	ttl, _, err := s.links.Send(ctx, req.Email, tenant.IDFromContext(ctx), purpose, ip, ua)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &SendMagicLinkResponse{
		Message:          "If an account exists for that address, a sign-in link is on its way.",
		ExpiresInSeconds: int64(ttl / time.Second),
	}, nil
}

// VerifyMagicLink redeems a magic link.
func (s *AuthServer) VerifyMagicLink(ctx context.Context, req *VerifyMagicLinkRequest) (*LoginResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	ip, ua := interceptors.GetClient(ctx)
	res, err := s.auth.VerifyMagicLink(ctx, service.MagicLinkRequest{
		Token:          req.Token,
		IP:             ip,
		UserAgent:      ua,
		DeviceName:     req.DeviceName,
		DeviceToken:    req.DeviceToken,
		RememberDevice: req.RememberDevice,
	})
	if err != nil {
		err = rpc.Error(ctx, s.log, err)
		s.countLogin(nil, err)
		return nil, err
	}
	out := loginResponse(res)
	s.countLogin(out, nil)
	return out, nil
}

// ReactivateAccount lifts the caller's own suspension after a password check.
func (s *AuthServer) ReactivateAccount(ctx context.Context, req *ReactivateAccountRequest) (*ReactivateAccountResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password are required")
	}
	ip, ua := interceptors.GetClient(ctx)
	sus, err := s.auth.ReactivateAccount(ctx, req.Email, req.Password, tenant.IDFromContext(ctx), ip, ua)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &ReactivateAccountResponse{Suspension: sus}, nil
}

// CancelDeletion undoes a pending deletion with the emailed undo token.
func (s *AuthServer) CancelDeletion(ctx context.Context, req *TokenRequest) (*DeletionResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	r, err := s.auth.CancelDeletion(ctx, req.Token)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &DeletionResponse{Request: r}, nil
}

func (s *AuthServer) VerifyNewEmail(ctx context.Context, req *TokenRequest) (*EmailChangeResponse, error) {
	return s.redeemEmailToken(ctx, req, s.emails.VerifyNewEmail)
}

func (s *AuthServer) ConfirmOldEmail(ctx context.Context, req *TokenRequest) (*EmailChangeResponse, error) {
	return s.redeemEmailToken(ctx, req, s.emails.ConfirmOldEmail)
}

func (s *AuthServer) redeemEmailToken(ctx context.Context, req *TokenRequest, redeem func(context.Context, string) (*emailchange.Request, error)) (*EmailChangeResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	r, err := redeem(ctx, req.Token)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &EmailChangeResponse{Request: r}, nil
}

// Logout revokes the calling session.
func (s *AuthServer) Logout(ctx context.Context, _ *LogoutRequest) (*Empty, error) {
	sessionID, ok := interceptors.GetSessionID(ctx)
	if !ok || sessionID == "" {
		return nil, status.Error(codes.Unauthenticated, "session context required")
	}
	if err := s.auth.Logout(ctx, sessionID); err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &Empty{}, nil
}

// LogoutAll revokes the caller's sessions on this website, or on every website with AllWebsites.
func (s *AuthServer) LogoutAll(ctx context.Context, req *LogoutAllRequest) (*LogoutAllResponse, error) {
	userID, ok := interceptors.GetUserID(ctx)
	if !ok || userID == "" {
		return nil, status.Error(codes.Unauthenticated, "user context required")
	}
	sessionID, _ := interceptors.GetSessionID(ctx)
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	if req.AllWebsites {
		websiteID = ""
	}
	ids, err := s.auth.LogoutAll(ctx, userID, websiteID, sessionID, req.KeepCurrent)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &LogoutAllResponse{RevokedSessionIDs: ids}, nil
}

// ChangePassword replaces the caller's password and signs out their other sessions.
func (s *AuthServer) ChangePassword(ctx context.Context, req *ChangePasswordRequest) (*Empty, error) {
	u, err := rbac.RequireUser(ctx, s.users)
	if err != nil {
		return nil, err
	}
	sessionID, _ := interceptors.GetSessionID(ctx)
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	if err := s.auth.ChangePassword(ctx, u, websiteID, sessionID, req.CurrentPassword, req.NewPassword); err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &Empty{}, nil
}
