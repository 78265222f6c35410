package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	devotphandler "acad-system/backend/internal/devotp/handler"
	identityhandler "acad-system/backend/internal/identity/handler"
	"acad-system/backend/internal/identity/service"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/server/rpc"
	"acad-system/backend/internal/tenant"
	userdomain "acad-system/backend/internal/user/domain"
)

type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl any) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices_DevServiceOnlyWhenProvided(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{})
	assert.Equal(t, []string{
		"acad.auth.v1.AuthService",
		"acad.session.v1.SessionService",
		"acad.mfa.v1.MFAService",
		"acad.account.v1.AccountService",
		"grpc.health.v1.Health",
	}, reg.services)

	reg = &mockServiceRegistrar{}
	RegisterServices(reg, Deps{Dev: &devotphandler.Server{}})
	assert.Contains(t, reg.services, devotphandler.ServiceName)
}

func TestPublicMethods(t *testing.T) {
	public := PublicMethods(false)
	assert.True(t, public["/acad.auth.v1.AuthService/Login"])
	assert.True(t, public[healthCheckMethod])
	assert.False(t, public["/acad.auth.v1.AuthService/Logout"])
	assert.False(t, public["/acad.dev.v1.DevService/GetOTP"])
	assert.True(t, PublicMethods(true)["/acad.dev.v1.DevService/GetOTP"])

	audited := AuditedMethods()
	assert.True(t, audited["/acad.account.v1.AccountService/LockAccount"])
	assert.True(t, audited["/acad.session.v1.SessionService/RevokeAllSessions"])
	assert.False(t, audited["/acad.session.v1.SessionService/ListSessions"])
}

// stubAuth records what reached the service layer.
type stubAuth struct {
	mu        sync.Mutex
	websiteID string
	loggedOut string
}

func (a *stubAuth) Register(ctx context.Context, req service.RegisterRequest) (*userdomain.User, error) {
	a.mu.Lock()
	a.websiteID = req.WebsiteID
	a.mu.Unlock()
	return &userdomain.User{ID: "u-1", Email: req.Email, Role: role.Role(req.Role), IsActive: true}, nil
}

func (a *stubAuth) Login(ctx context.Context, req service.LoginRequest) (*service.LoginResult, error) {
	return nil, service.ErrInvalidCredentials
}

func (a *stubAuth) VerifyMFA(ctx context.Context, challengeID, code, ip, userAgent string) (*service.LoginResult, error) {
	return nil, service.ErrInvalidCredentials
}

func (a *stubAuth) VerifyMagicLink(ctx context.Context, req service.MagicLinkRequest) (*service.LoginResult, error) {
	return nil, service.ErrInvalidCredentials
}

func (a *stubAuth) Refresh(ctx context.Context, refreshToken string) (security.TokenPair, error) {
	return security.TokenPair{}, service.ErrInvalidCredentials
}

func (a *stubAuth) Logout(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loggedOut = sessionID
	return nil
}

func (a *stubAuth) LogoutAll(ctx context.Context, userID, websiteID, currentSessionID string, keepCurrent bool) ([]string, error) {
	return nil, nil
}

func (a *stubAuth) ReactivateAccount(ctx context.Context, email, password, websiteID, ip, userAgent string) (*suspension.Suspension, error) {
	return nil, service.ErrInvalidCredentials
}

func (a *stubAuth) CancelDeletion(ctx context.Context, token string) (*deletion.Request, error) {
	return nil, service.ErrInvalidCredentials
}

func (a *stubAuth) ChangePassword(ctx context.Context, u *userdomain.User, websiteID, currentSessionID, current, next string) error {
	return nil
}

type fakeRevocations struct{}

func (fakeRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	return sessionID == "revoked", nil
}

func startServer(t *testing.T) (*grpc.ClientConn, *stubAuth, *security.TokenProvider) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	reg, err := tenant.NewRegistry([]tenant.Website{
		{ID: "essays", Domain: "essays.example.com", Active: true},
		{ID: "closed", Domain: "closed.example.com", Active: false},
	}, "essays")
	require.NoError(t, err)

	auth := &stubAuth{}
	s := NewServer(Options{Tokens: tokens, Revocations: fakeRevocations{}, Tenants: reg}, Deps{
		Auth: identityhandler.NewAuthServer(auth, nil, nil, nil, nil),
	})
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, auth, tokens
}

func call(ctx context.Context, conn *grpc.ClientConn, method string, req, resp any) error {
	return conn.Invoke(ctx, "/"+identityhandler.ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(rpc.CodecName))
}

func TestServer_PublicMethodResolvesWebsite(t *testing.T) {
	conn, auth, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp identityhandler.UserResponse
	err := call(ctx, conn, "Register", &identityhandler.RegisterRequest{Email: "a@x.com", Password: "pw", Role: "client"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "u-1", resp.User.ID)
	assert.Equal(t, "essays", auth.websiteID)

	err = call(ctx, conn, "Login", &identityhandler.LoginRequest{Email: "a@x.com", Password: "bad"}, &identityhandler.LoginResponse{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestServer_UnknownWebsite(t *testing.T) {
	conn, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-website", "closed")

	err := call(ctx, conn, "Register", &identityhandler.RegisterRequest{Email: "a@x.com"}, &identityhandler.UserResponse{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_ProtectedMethodNeedsToken(t *testing.T) {
	conn, auth, tokens := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := call(ctx, conn, "Logout", &identityhandler.LogoutRequest{}, &identityhandler.Empty{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	pair, err := tokens.IssuePair(security.Subject{SessionID: "s-1", UserID: "u-1", WebsiteID: "essays", Role: "client"})
	require.NoError(t, err)
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+pair.AccessToken)
	require.NoError(t, call(authed, conn, "Logout", &identityhandler.LogoutRequest{}, &identityhandler.Empty{}))
	assert.Equal(t, "s-1", auth.loggedOut)

	revoked, err := tokens.IssuePair(security.Subject{SessionID: "revoked", UserID: "u-1", WebsiteID: "essays", Role: "client"})
	require.NoError(t, err)
	authed = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+revoked.AccessToken)
	err = call(authed, conn, "Logout", &identityhandler.LogoutRequest{}, &identityhandler.Empty{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestServer_HealthIsPublic(t *testing.T) {
	conn, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
